// Package llm adapts hosted chat models to the Completer interface used by
// the workflow steps.
//
// Invariants:
// - Stream yields fragments in the order the provider produced them.
// - A failed stream yields exactly one non-nil error and then stops.
// - Every call is traced and counted under the "completion" collaborator.
//
// Usage:
//
//	c, err := llm.New(llm.Config{Provider: "openai", APIKey: key, Model: "gpt-4o-mini"})
//	for fragment, err := range c.Stream(ctx, msgs) {
//		...
//	}
package llm
