package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const defaultBedrockModel = "anthropic.claude-3-haiku-20240307-v1:0"

type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// bedrockBackend invokes an Anthropic model hosted on AWS Bedrock.
type bedrockBackend struct {
	client  bedrockInvoker
	modelID string
	creds   aws.CredentialsProvider
}

func newBedrock(ctx context.Context, region, modelID string) (*bedrockBackend, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if modelID == "" || modelID == "llama3.2" {
		modelID = defaultBedrockModel
	}
	return &bedrockBackend{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
		creds:   cfg.Credentials,
	}, nil
}

func (b *bedrockBackend) name() string { return "bedrock/" + b.modelID }

func (b *bedrockBackend) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        512,
		System:           "You answer with a single JSON object and nothing else.",
		Messages: []bedrockMessage{{
			Role:    "user",
			Content: []bedrockContentBlock{{Type: "text", Text: prompt}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("Bedrock API error: %w", err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	var text string
	for _, c := range resp.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	return text, nil
}

// ping only checks that credentials resolve; Bedrock has no free health call.
func (b *bedrockBackend) ping(ctx context.Context) error {
	if b.creds == nil {
		return fmt.Errorf("no AWS credentials configured")
	}
	_, err := b.creds.Retrieve(ctx)
	return err
}
