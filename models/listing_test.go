package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeFingerprint(t *testing.T) {
	tests := []struct {
		name string
		a, b ListingRecord
		same bool
	}{
		{
			"path case is significant",
			ListingRecord{SourceURL: "https://www.immotop.lu/annonces/ABC123/"},
			ListingRecord{SourceURL: "https://www.immotop.lu/annonces/abc123/"},
			false,
		},
		{
			"surrounding space ignored",
			ListingRecord{SourceURL: " https://www.athome.lu/id-1.html\n"},
			ListingRecord{SourceURL: "https://www.athome.lu/id-1.html"},
			true,
		},
		{
			"url wins over text",
			ListingRecord{SourceURL: "https://www.athome.lu/id-1.html", Title: "Flat"},
			ListingRecord{SourceURL: "https://www.athome.lu/id-1.html", Title: "House"},
			true,
		},
		{
			"text key ignores case and spacing",
			ListingRecord{Title: "Flat  in Esch", Price: Price{Raw: "450 000 €"}, Location: "Esch"},
			ListingRecord{Title: "flat in esch", Price: Price{Raw: "450 000 €"}, Location: "ESCH"},
			true,
		},
		{
			"different price",
			ListingRecord{Title: "Flat", Price: Price{Raw: "450 000 €"}},
			ListingRecord{Title: "Flat", Price: Price{Raw: "460 000 €"}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa, fb := ComputeFingerprint(&tt.a), ComputeFingerprint(&tt.b)
			assert.Len(t, string(fa), 64)
			if tt.same {
				assert.Equal(t, fa, fb)
			} else {
				assert.NotEqual(t, fa, fb)
			}
		})
	}
}
