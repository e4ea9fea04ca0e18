package workflow

import (
	"slices"

	"github.com/harun/screencraft/pkg/llm"
)

// SearchResult is one retrieved reference screen.
type SearchResult struct {
	Content   string   `json:"content"`
	ImageURLs []string `json:"image_urls"`
}

// AgentState is the per-session working state. A turn operates on a private
// copy and publishes it back through the session store.
type AgentState struct {
	SearchResults []SearchResult `json:"search_results"`
	Messages      []llm.Message  `json:"messages"`
	Task          string         `json:"task"`
	UserInput     string         `json:"user_input"`
	ViewSummary   string         `json:"view_summary,omitempty"`
	OriginalImage string         `json:"original_image,omitempty"`
	EditedImage   string         `json:"edited_image,omitempty"`
	ImageMIME     string         `json:"image_mime,omitempty"`

	// NeedUserClarification is true exactly while an edit awaits a yes/no.
	NeedUserClarification bool `json:"need_user_clarification"`
	// RedoEdit is true exactly when feedback asked for a regeneration.
	RedoEdit bool `json:"redo_edit"`

	Error      string `json:"error,omitempty"`
	AgentQuery string `json:"agent_query,omitempty"`

	// EditAttempts counts edits generated for the current request.
	EditAttempts int `json:"edit_attempts"`
}

// Clone returns a deep copy.
func (s AgentState) Clone() AgentState {
	if s.SearchResults != nil {
		results := make([]SearchResult, len(s.SearchResults))
		for i, r := range s.SearchResults {
			results[i] = SearchResult{Content: r.Content, ImageURLs: slices.Clone(r.ImageURLs)}
		}
		s.SearchResults = results
	}
	s.Messages = slices.Clone(s.Messages)
	return s
}

// TopResult returns the best search hit.
func (s AgentState) TopResult() (SearchResult, bool) {
	if len(s.SearchResults) == 0 {
		return SearchResult{}, false
	}
	return s.SearchResults[0], true
}

// PendingConfirmation reports whether an edited image awaits the user's
// verdict.
func (s AgentState) PendingConfirmation() bool {
	return s.EditedImage != "" && s.NeedUserClarification
}
