// Package criteria implements component H: two meta one-shot calls into
// the assistant (component E) that never touch the user's task session —
// extracting a measurable success condition from a task description, and
// judging whether a transcript satisfies one (spec §4.10).
package criteria

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/phillipcheng/claude-task-automation-server/internal/assistant"
	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/logger"
	"go.uber.org/zap"
)

// CompletionThreshold is the minimum confidence a judge verdict must carry,
// combined with is_complete=true, to count as completion (spec §4.10).
const CompletionThreshold = 0.7

// ExtractResult is the outcome of Extract.
type ExtractResult struct {
	Criteria string
	Warning  string
}

// Verdict is the outcome of Judge.
type Verdict struct {
	IsComplete bool
	Confidence float64
	Reasoning  string
}

// Complete reports whether this verdict meets spec §4.10's completion bar.
func (v Verdict) Complete() bool {
	return v.IsComplete && v.Confidence >= CompletionThreshold
}

// Analyzer implements component H on top of a narrow assistant.Sender
// collaborator, mirroring the teacher's habit of depending on the ACPManager
// interface rather than a concrete client (agent/lifecycle/manager.go).
type Analyzer struct {
	sender assistant.Sender
	logger *logger.Logger
}

// New creates a criteria Analyzer.
func New(sender assistant.Sender, log *logger.Logger) *Analyzer {
	if log == nil {
		log = logger.Default()
	}
	return &Analyzer{sender: sender, logger: log.WithFields(zap.String("component", "criteria"))}
}

// Extract asks the assistant to restate a task description's success
// condition in one sentence. A fresh (non-resumed) session is used every
// call, since H is never allowed to touch the user's task session (spec
// §4.10).
func (a *Analyzer) Extract(ctx context.Context, description, workDir string) (*ExtractResult, error) {
	prompt := fmt.Sprintf(extractPromptTemplate, description)
	text, err := a.oneShot(ctx, workDir, prompt)
	if err != nil {
		return nil, err
	}
	return parseExtractResponse(text), nil
}

// Judge supplies a success criterion and a transcript tail and asks the
// assistant for a structured completion verdict (spec §4.10). H may be
// invoked at most once per main-loop iteration and its result is never
// cached across turns.
func (a *Analyzer) Judge(ctx context.Context, criteriaText, transcriptTail, latestAssistantText, workDir string) (*Verdict, error) {
	prompt := fmt.Sprintf(judgePromptTemplate, criteriaText, transcriptTail, latestAssistantText)
	text, err := a.oneShot(ctx, workDir, prompt)
	if err != nil {
		return nil, err
	}
	return parseVerdictResponse(text), nil
}

// oneShot spawns a fresh-session assistant turn (never resumed — the task
// passed to E has an empty AssistantSessionID and an id of its own, so it
// can never alias the caller's real task row) and returns the accumulated
// text.
func (a *Analyzer) oneShot(ctx context.Context, workDir, prompt string) (string, error) {
	metaTask := &domain.Task{ID: "criteria-" + uuid.New().String(), WorktreePath: workDir}
	result, err := a.sender.Send(ctx, metaTask, prompt, nil, func(*domain.Interaction) {
		// Meta calls are not persisted as part of any task's transcript.
	})
	if err != nil {
		return "", err
	}
	return result.FullText, nil
}

const extractPromptTemplate = `You are evaluating a task description to find its measurable success condition.

Task description:
%s

Restate the success condition of this task in one sentence. Respond with
exactly one line in one of these two forms:
CRITERIA: <one-sentence measurable success condition>
NO_CRITERION: <why no measurable condition could be identified>`

const judgePromptTemplate = `You are judging whether a task's success criterion has been met.

Success criterion:
%s

Recent transcript:
%s

Latest assistant response:
%s

Respond with exactly one JSON object and nothing else, matching this shape:
{"is_complete": <true|false>, "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`

func parseExtractResponse(text string) *ExtractResult {
	text = strings.TrimSpace(text)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "CRITERIA:"); ok {
			return &ExtractResult{Criteria: strings.TrimSpace(rest)}
		}
		if rest, ok := strings.CutPrefix(line, "NO_CRITERION:"); ok {
			return &ExtractResult{Warning: strings.TrimSpace(rest)}
		}
	}
	return &ExtractResult{Warning: "assistant did not return a recognizable criterion or warning"}
}

type verdictWire struct {
	IsComplete bool    `json:"is_complete"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func parseVerdictResponse(text string) *Verdict {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end < start {
		return &Verdict{Reasoning: "assistant response did not contain a parseable verdict"}
	}

	var wire verdictWire
	if err := json.Unmarshal([]byte(text[start:end+1]), &wire); err != nil {
		return &Verdict{Reasoning: "assistant response was not valid JSON"}
	}
	return &Verdict{IsComplete: wire.IsComplete, Confidence: wire.Confidence, Reasoning: wire.Reasoning}
}
