package services

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"cold-bot/models"
	"cold-bot/utils"
)

type ReportService struct {
	logger *utils.Logger
}

func NewReportService(logger *utils.Logger) *ReportService {
	return &ReportService{logger: logger}
}

// Tally adds one lead log outcome to the report.
func (s *ReportService) Tally(r *models.CycleReport, a *models.ContactAttempt) {
	r.ByStatus[a.Status]++
	if a.SiteID != "" {
		r.BySite[a.SiteID]++
	}
	if a.Reason == models.ReasonAgent {
		r.AgentListings++
	}
}

func (s *ReportService) Print(w io.Writer, r *models.CycleReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  📊 CYCLE %d REPORT\033[0m\n", r.Cycle)
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Start URLs scanned : \033[1m%d\033[0m (failed %d)\n", r.URLsScanned, r.URLsFailed)
	fmt.Fprintf(w, "  Listings extracted : \033[1m%d\033[0m\n", r.Listings)
	fmt.Fprintf(w, "  Session duplicates : \033[1m%d\033[0m\n", r.Duplicates)
	fmt.Fprintf(w, "  Viable leads       : \033[1;32m%d\033[0m\n", r.Viable)
	fmt.Fprintf(w, "  Agent listings     : \033[1m%d\033[0m\n", r.AgentListings)
	fmt.Fprintf(w, "  Deferred (rate)    : \033[1m%d\033[0m\n", r.Deferred)
	fmt.Fprintf(w, "  Queued for browser : \033[1m%d\033[0m\n", r.Queued)
	fmt.Fprintf(w, "  Duration           : %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Outcomes\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.ByStatus) == 0 {
		fmt.Fprintf(w, "  No attempts logged\n")
	} else {
		statuses := make([]string, 0, len(r.ByStatus))
		for st := range r.ByStatus {
			statuses = append(statuses, string(st))
		}
		sort.Strings(statuses)
		for _, st := range statuses {
			fmt.Fprintf(w, "  %-20s %d\n", st, r.ByStatus[models.AttemptStatus(st)])
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Attempts by Site\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.BySite) == 0 {
		fmt.Fprintf(w, "  No site data\n")
	} else {
		type siteCount struct {
			site  string
			count int
		}
		var sites []siteCount
		for site, cnt := range r.BySite {
			sites = append(sites, siteCount{site, cnt})
		}
		sort.Slice(sites, func(i, j int) bool {
			if sites[i].count != sites[j].count {
				return sites[i].count > sites[j].count
			}
			return sites[i].site < sites[j].site
		})
		for _, sc := range sites {
			bar := strings.Repeat("█", min(sc.count, 40))
			fmt.Fprintf(w, "  %-22s %s (%d)\n", truncate(sc.site, 20), bar, sc.count)
		}
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
