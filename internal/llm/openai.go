package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAI generates text through the OpenAI Responses API. When a call carries
// a schema it is sent as a strict json_schema text format.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI creates an OpenAI backend. Extra request options (base URL,
// HTTP client) are passed through to the SDK.
func NewOpenAI(apiKey string, opts ...option.RequestOption) *OpenAI {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	client := openai.NewClient(opts...)
	return &OpenAI{client: &client}
}

// Generate implements Generator.
func (o *OpenAI) Generate(ctx context.Context, system, user string, cfg Config) (string, error) {
	params := responses.ResponseNewParams{
		Model:        cfg.Model,
		Instructions: openai.String(system),
		Temperature:  openai.Float(cfg.Temperature),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(user, responses.EasyInputMessageRoleUser),
			},
		},
	}
	if cfg.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(cfg.MaxTokens))
	}
	if cfg.Schema != nil {
		name := cfg.SchemaName
		if name == "" {
			name = "response"
		}
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   name,
					Schema: cfg.Schema,
					Strict: openai.Bool(true),
					Type:   "json_schema",
				},
			},
		}
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return "", wrap("openai", cfg.Model, openAIRetryable(err), err)
	}
	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return "", wrap("openai", cfg.Model, true, ErrEmptyOutput)
	}
	return text, nil
}

func openAIRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}
