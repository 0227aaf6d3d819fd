package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/scttfrdmn/budgetguard/cost"
	"github.com/scttfrdmn/budgetguard/guard"
)

// BedrockConfig configures the AWS Bedrock adapter. Credentials resolve
// through the standard AWS chain (env vars, shared config, IAM role) unless
// static keys are provided.
type BedrockConfig struct {
	// ModelID is the Bedrock model identifier, e.g.
	// "anthropic.claude-3-5-sonnet-20241022-v2:0".
	ModelID string

	// Region is the AWS region. Empty falls back to the SDK default chain.
	Region string

	// Profile selects a named profile from shared AWS config.
	Profile string

	// AccessKeyID and SecretAccessKey set static credentials when both
	// are non-empty. SessionToken is optional.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// EndpointURL overrides the service endpoint, mainly for testing
	// against local stacks.
	EndpointURL string
}

// BedrockProvider adapts AWS Bedrock's Converse API to guard.Provider.
//
// The Converse API normalizes request and response shapes across the model
// families Bedrock hosts, so a single adapter covers Claude, Llama, Titan
// and the rest. Streaming usage arrives in the metadata event at the end
// of the stream, which maps directly onto the terminal-event contract.
type BedrockProvider struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockProvider creates a Bedrock adapter from cfg. An empty ModelID
// defaults to Claude 3.5 Haiku.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.ModelID == "" {
		cfg.ModelID = "anthropic.claude-3-5-haiku-20241022-v1:0"
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var clientOpts []func(*bedrockruntime.Options)
	if cfg.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}

	return &BedrockProvider{
		client:  bedrockruntime.NewFromConfig(awsCfg, clientOpts...),
		modelID: cfg.ModelID,
	}, nil
}

// Name returns "bedrock".
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// Model returns the configured Bedrock model identifier.
func (p *BedrockProvider) Model() string {
	return p.modelID
}

// CountInputTokens estimates input tokens with the character heuristic.
func (p *BedrockProvider) CountInputTokens(req *guard.Request) (int, error) {
	return cost.CountMessageTokensHeuristic(req.Messages), nil
}

func (p *BedrockProvider) buildConverseInput(req *guard.Request) (modelID string, messages []types.Message, system []types.SystemContentBlock, inference *types.InferenceConfiguration) {
	modelID = req.Model
	if modelID == "" {
		modelID = p.modelID
	}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			system = append(system, &types.SystemContentBlockMemberText{Value: msg.Content})
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Content}},
		})
	}

	inference = &types.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Temperature))
	}
	if req.TopP != nil {
		inference.TopP = aws.Float32(float32(*req.TopP))
	}
	return modelID, messages, system, inference
}

// Complete performs a single-shot Converse call.
func (p *BedrockProvider) Complete(ctx context.Context, req *guard.Request) (*guard.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	modelID, messages, system, inference := p.buildConverseInput(req)
	out, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(modelID),
		Messages:        messages,
		System:          system,
		InferenceConfig: inference,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock converse error: %w", err)
	}

	var content strings.Builder
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				content.WriteString(text.Value)
			}
		}
	}

	resp := &guard.Response{
		Model:      modelID,
		Content:    content.String(),
		StopReason: string(out.StopReason),
		Created:    time.Now().UTC(),
		Raw:        out,
	}
	if out.Usage != nil {
		resp.Usage = guard.Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}
	return resp, nil
}

// Stream performs a streaming Converse call.
func (p *BedrockProvider) Stream(ctx context.Context, req *guard.Request) (guard.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	modelID, messages, system, inference := p.buildConverseInput(req)
	out, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(modelID),
		Messages:        messages,
		System:          system,
		InferenceConfig: inference,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock converse stream error: %w", err)
	}
	return &bedrockStream{stream: out.GetStream()}, nil
}

// Unwrap returns the underlying *bedrockruntime.Client.
func (p *BedrockProvider) Unwrap() interface{} {
	return p.client
}

type bedrockStream struct {
	stream *bedrockruntime.ConverseStreamEventStream
	done   bool
}

func (s *bedrockStream) Recv() (*guard.StreamEvent, error) {
	for !s.done {
		event, ok := <-s.stream.Events()
		if !ok {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return nil, fmt.Errorf("bedrock stream error: %w", err)
			}
			return nil, io.EOF
		}

		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			if delta, ok := ev.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
				return &guard.StreamEvent{Delta: delta.Value, Raw: event}, nil
			}
		case *types.ConverseStreamOutputMemberMetadata:
			// Metadata is the last substantive event on a Converse
			// stream and is the only one that carries token usage.
			out := &guard.StreamEvent{Terminal: true, Raw: event}
			if ev.Value.Usage != nil {
				out.Usage = &guard.Usage{
					InputTokens:  int(aws.ToInt32(ev.Value.Usage.InputTokens)),
					OutputTokens: int(aws.ToInt32(ev.Value.Usage.OutputTokens)),
				}
			}
			return out, nil
		case *types.ConverseStreamOutputMemberMessageStop:
			// Stop precedes metadata; skip it and keep reading.
		}
	}
	return nil, io.EOF
}

func (s *bedrockStream) Close() error {
	s.done = true
	return s.stream.Close()
}
