package functions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"
)

const (
	CurrentTimeFunction   = "get_current_time"
	AssistantInfoFunction = "get_assistant_info"
)

// CurrentTimeDeclaration returns the function declaration for the clock tool
func CurrentTimeDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        CurrentTimeFunction,
		Description: "Get the current date and time, optionally in a given IANA time zone",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"timezone": {
					Type:        genai.TypeString,
					Description: "IANA time zone name such as Europe/Paris. Defaults to the local zone.",
				},
			},
		},
	}
}

// CurrentTime answers get_current_time using clock.
func CurrentTime(clock func() time.Time) Handler {
	if clock == nil {
		clock = time.Now
	}
	return func(_ context.Context, args map[string]any) (map[string]any, error) {
		now := clock()
		if raw, ok := args["timezone"]; ok {
			name, ok := raw.(string)
			if !ok {
				return nil, errors.New("timezone must be a string")
			}
			if name != "" {
				loc, err := time.LoadLocation(name)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", name)
				}
				now = now.In(loc)
			}
		}
		zone, _ := now.Zone()
		return map[string]any{
			"time":     now.Format(time.RFC3339),
			"weekday":  now.Weekday().String(),
			"timezone": zone,
		}, nil
	}
}

// AssistantInfoDeclaration returns the function declaration for the
// assistant's own documentation.
func AssistantInfoDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        AssistantInfoFunction,
		Description: "Get information about this assistant: what it can do and how to use it",
	}
}

var assistantDocs = `
Voicelink is a voice assistant that talks to you in real time. You can speak
to it or type, interrupt it at any moment, and share your screen when screen
context is enabled. Conversations are kept in a history you can reopen or
delete. Voice, language, speech rate and volume can be changed in settings.
`

func AssistantInfo() Handler {
	return func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"output": assistantDocs}, nil
	}
}

// RegisterBuiltins adds the built-in tools to r.
func RegisterBuiltins(r *Registry, clock func() time.Time) error {
	if err := r.Register(CurrentTimeDeclaration(), CurrentTime(clock)); err != nil {
		return err
	}
	return r.Register(AssistantInfoDeclaration(), AssistantInfo())
}
