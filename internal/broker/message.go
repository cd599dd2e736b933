package broker

import (
	"context"
	"errors"
)

// BuildMessage copies message and appends data to its "data" list.
func BuildMessage(message map[string]any, data ...any) map[string]any {
	out := make(map[string]any, len(message)+1)
	for k, v := range message {
		out[k] = v
	}
	out["data"] = append(dataOf(message), data...)
	return out
}

// EventMessage wraps source as an event carrying its meta.
func EventMessage(source map[string]any, data ...any) map[string]any {
	return map[string]any{
		"type":   "event",
		"data":   append([]any{}, data...),
		"source": source,
		"meta":   source["meta"],
	}
}

// ExampleRecipes are the sequences the fake broker serves by default.
func ExampleRecipes() []Recipe {
	return []Recipe{
		{
			Namespace: "sequence",
			Name:      "some-sequence",
			Steps: []Step{
				Route(".perform.something", func(context.Context, map[string]any) (any, error) {
					return map[string]any{"type": "step1", "id": "some-id"}, nil
				}),
				Route(".perform.something-else", func(context.Context, map[string]any) (any, error) {
					return map[string]any{"type": "step2", "id": "some-other-id"}, nil
				}),
			},
		},
		{
			Namespace:  "sequence",
			Name:       "broken-sequence",
			Unfinished: true,
			Steps: []Step{
				Route(".perform.something", func(context.Context, map[string]any) (any, error) {
					return map[string]any{"type": "step1", "id": "some-id"}, nil
				}),
			},
		},
		{
			Namespace: "sequence",
			Name:      "error-sequence",
			Steps: []Step{
				Route(".perform.something", func(context.Context, map[string]any) (any, error) {
					return nil, errors.New("Something went wrong")
				}),
			},
		},
		{
			Namespace:      "sequence",
			Name:           "trigger-itself",
			SelfTriggering: true,
			Steps: []Step{
				Route(".perform.trigger", func(context.Context, map[string]any) (any, error) {
					return nil, nil
				}),
			},
		},
	}
}
