package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"verification_pipeline/internal/config"
	"verification_pipeline/internal/model"
)

// MissingDocumentsFlag is the fixed flag attached when the document set is
// incomplete. The fast path that produces it never touches the external model.
const MissingDocumentsFlag = "Missing required documents"

// DocumentRef is a document as the analyzer sees it: a type plus a
// retrievable URL. Raw storage keys never reach this package.
type DocumentRef struct {
	Type     model.DocumentType
	FileName string
	URL      string
}

// Request carries everything one analysis needs.
type Request struct {
	Documents    []DocumentRef
	SubjectName  string
	SubjectEmail string
	Kind         model.Kind
}

// Analyzer produces a verdict for a submitted document set. Every call yields
// a complete verdict: upstream failures degrade to a flagged verdict with
// confidence 0 rather than surfacing as errors, so callers always have a
// storable result. The analyzer never writes to the document store.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) model.Verdict
}

// chatCompleter is the slice of the OpenAI client the analyzer uses. Tests
// substitute a mock so no external call is made.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type openAIAnalyzer struct {
	client  chatCompleter
	model   string
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// New builds the OpenAI-backed analyzer.
func New(cfg config.AnalyzerConfig, logger *zap.Logger) Analyzer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &openAIAnalyzer{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// verdictPayload is the machine-parseable response requested from the model.
type verdictPayload struct {
	Status          string            `json:"status"`
	Confidence      int               `json:"confidence"`
	Flags           []string          `json:"flags"`
	ExtractedFields map[string]string `json:"extracted_fields"`
	NameMatchScore  *int              `json:"name_match_score"`
	TamperingScore  *int              `json:"tampering_score"`
	FraudSignals    []string          `json:"fraud_signals"`
}

const systemPrompt = `You are a document verification assistant for a B2B rail equipment marketplace.
You review identity and business/credential documents submitted by sellers and contractors.
Check that the documents are legible, unexpired, consistent with the declared subject name,
and show no signs of tampering or fraud. Respond with a single JSON object:
{"status": "passed"|"flagged"|"failed", "confidence": 0-100, "flags": [..],
"extracted_fields": {..}, "name_match_score": 0-100, "tampering_score": 0-100,
"fraud_signals": [..]}.
Use "flagged" whenever you are not certain either way.`

func (a *openAIAnalyzer) Analyze(ctx context.Context, req Request) model.Verdict {
	processedAt := a.now()

	var identity, credential bool
	for _, d := range req.Documents {
		if d.Type.IsIdentity() {
			identity = true
		}
		if d.Type.IsCredential() {
			credential = true
		}
	}
	if !identity || !credential {
		// Deterministic terminal result; protects against wasted external
		// calls and works even when upstream is unreachable.
		return model.Verdict{
			Status:      model.VerdictFailed,
			Confidence:  100,
			Flags:       []string{MissingDocumentsFlag},
			ProcessedAt: &processedAt,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.CreateChatCompletion(ctx, a.buildRequest(req))
	if err != nil {
		a.logger.Warn("document analysis call failed, degrading to flagged",
			zap.Error(err), zap.String("subject_name", req.SubjectName))
		return degradedVerdict(fmt.Sprintf("Automated analysis failed: %v", err), processedAt)
	}

	if len(resp.Choices) == 0 {
		return degradedVerdict("Automated analysis returned no choices", processedAt)
	}

	var payload verdictPayload
	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		a.logger.Warn("document analysis response not parseable, degrading to flagged",
			zap.Error(err))
		return degradedVerdict("Automated analysis response could not be parsed", processedAt)
	}

	status, err := parseVerdictStatus(payload.Status)
	if err != nil {
		return degradedVerdict(fmt.Sprintf("Automated analysis returned unknown status %q", payload.Status), processedAt)
	}

	verdict := model.Verdict{
		Status:          status,
		Confidence:      clamp(payload.Confidence),
		Flags:           payload.Flags,
		ExtractedFields: payload.ExtractedFields,
		NameMatchScore:  clampPtr(payload.NameMatchScore),
		TamperingScore:  clampPtr(payload.TamperingScore),
		FraudSignals:    payload.FraudSignals,
		ProcessedAt:     &processedAt,
	}

	a.logger.Info("document analysis completed",
		zap.String("status", string(verdict.Status)),
		zap.Int("confidence", verdict.Confidence),
		zap.Int("flags", len(verdict.Flags)))
	return verdict
}

func (a *openAIAnalyzer) buildRequest(req Request) openai.ChatCompletionRequest {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Subject: %s (%s), applying as %s.\n", req.SubjectName, req.SubjectEmail, req.Kind)
	sb.WriteString("Submitted documents:\n")

	parts := []openai.ChatMessagePart{}
	for i, d := range req.Documents {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, d.FileName, d.Type)
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: d.URL},
		})
	}
	parts = append([]openai.ChatMessagePart{{
		Type: openai.ChatMessagePartTypeText,
		Text: sb.String(),
	}}, parts...)

	return openai.ChatCompletionRequest{
		Model: a.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
	}
}

func degradedVerdict(flag string, processedAt time.Time) model.Verdict {
	return model.Verdict{
		Status:      model.VerdictFlagged,
		Confidence:  0,
		Flags:       []string{flag},
		ProcessedAt: &processedAt,
	}
}

func parseVerdictStatus(s string) (model.VerdictStatus, error) {
	switch model.VerdictStatus(s) {
	case model.VerdictPassed, model.VerdictFlagged, model.VerdictFailed:
		return model.VerdictStatus(s), nil
	}
	return "", fmt.Errorf("unknown verdict status: %q", s)
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func clampPtr(n *int) *int {
	if n == nil {
		return nil
	}
	c := clamp(*n)
	return &c
}
