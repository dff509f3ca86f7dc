// Package local holds the engines that run inside the process. They need no network and
// back the "local:" provider ids.
package local

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/helpers"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	EchoID   = "local:echo"
	CannedID = "local:canned"
)

// IDs lists the closed set of local engines.
var IDs = []string{EchoID, CannedID}

// EchoEngine answers with the last user message, word by word.
type EchoEngine struct {
	delay time.Duration
}

var _ engine.Engine = (*EchoEngine)(nil)

func NewEchoEngine(delay time.Duration) *EchoEngine {
	return &EchoEngine{delay: delay}
}

func (e *EchoEngine) Stream(ctx context.Context, req engine.Request) (<-chan helpers.Result[string], error) {
	return streamChunks(ctx, splitWords(engine.LastUserMessage(req.Messages)), e.delay), nil
}

// Response is one scripted answer. Chunks are sent as they are; Text is split into words.
type Response struct {
	Match  string   `yaml:"match,omitempty"`
	Text   string   `yaml:"text,omitempty"`
	Chunks []string `yaml:"chunks,omitempty"`
	Fail   string   `yaml:"fail,omitempty"`
}

func (r Response) chunks() []string {
	if len(r.Chunks) > 0 {
		return r.Chunks
	}
	return splitWords(r.Text)
}

type Script struct {
	DelayMs   int        `yaml:"delay_ms,omitempty"`
	Responses []Response `yaml:"responses"`
}

// CannedEngine replays a script. A response whose match glob fits the last user message
// wins; otherwise the responses without a match pattern are used in rotation.
type CannedEngine struct {
	script Script
	next   atomic.Uint64
}

var _ engine.Engine = (*CannedEngine)(nil)

func NewCannedEngine(script Script) *CannedEngine {
	return &CannedEngine{script: script}
}

// DefaultScript is used when no script file is configured.
func DefaultScript() Script {
	return Script{
		Responses: []Response{
			{Chunks: []string{"<think>", "The user wants a canned answer.", "</think>", "This is ", "a canned ", "answer."}},
		},
	}
}

func ParseScript(b []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Script{}, errdefs.Config("canned_script", err.Error())
	}
	if len(s.Responses) == 0 {
		return Script{}, errdefs.Config("canned_script", "script has no responses")
	}
	for _, r := range s.Responses {
		if r.Match == "" {
			continue
		}
		if _, err := glob.Match(r.Match, ""); err != nil {
			return Script{}, errdefs.Config("canned_script", "invalid match pattern "+r.Match)
		}
	}
	return s, nil
}

func LoadScript(path string) (Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, errors.Wrapf(err, "could not read canned script %s", path)
	}
	return ParseScript(b)
}

func (e *CannedEngine) pick(prompt string) (Response, bool) {
	var rotation []Response
	for _, r := range e.script.Responses {
		if r.Match == "" {
			rotation = append(rotation, r)
			continue
		}
		if ok, _ := glob.Match(r.Match, prompt); ok {
			return r, true
		}
	}
	if len(rotation) == 0 {
		return Response{}, false
	}
	i := e.next.Add(1) - 1
	return rotation[i%uint64(len(rotation))], true
}

func (e *CannedEngine) Stream(ctx context.Context, req engine.Request) (<-chan helpers.Result[string], error) {
	r, ok := e.pick(engine.LastUserMessage(req.Messages))
	if !ok {
		return nil, errdefs.Config("canned_script", "no response matches the prompt")
	}
	delay := time.Duration(e.script.DelayMs) * time.Millisecond
	if r.Fail == "" {
		return streamChunks(ctx, r.chunks(), delay), nil
	}

	c := make(chan helpers.Result[string])
	go func() {
		defer close(c)
		for v := range streamChunks(ctx, r.chunks(), delay) {
			if !engine.SendResult(ctx, c, v) {
				return
			}
		}
		engine.SendResult(ctx, c, helpers.NewErrorResult[string](errdefs.Transport(errors.New(r.Fail))))
	}()
	return c, nil
}

func splitWords(s string) []string {
	fields := strings.SplitAfter(s, " ")
	ret := fields[:0]
	for _, f := range fields {
		if f != "" {
			ret = append(ret, f)
		}
	}
	return ret
}

func streamChunks(ctx context.Context, chunks []string, delay time.Duration) <-chan helpers.Result[string] {
	c := make(chan helpers.Result[string])
	go func() {
		defer close(c)
		for i, chunk := range chunks {
			if delay > 0 && i > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			if !engine.SendResult(ctx, c, helpers.NewValueResult(chunk)) {
				return
			}
		}
	}()
	return c
}
