package workflow

// StepName identifies a node of the workflow graph.
type StepName string

const (
	StepAnalyzeIntent       StepName = "analyze_intent"
	StepSearchKnowledgeBase StepName = "search_knowledge_base"
	StepSummariseView       StepName = "summarise_view"
	StepEditImage           StepName = "edit_image"
	StepFeedbackLoop        StepName = "feedback_loop"
	StepGenerateResponse    StepName = "generate_response"
	StepSendResponse        StepName = "send_response"

	// End is the implicit terminal after send_response.
	End StepName = "__end__"
)

// AfterIntent picks the step following analyze_intent.
func AfterIntent(s AgentState) StepName {
	switch {
	case s.Error != "":
		return StepSendResponse
	case s.NeedUserClarification:
		return StepFeedbackLoop
	default:
		return StepSearchKnowledgeBase
	}
}

// AfterFeedback picks the step following feedback_loop.
func AfterFeedback(s AgentState) StepName {
	switch {
	case s.Error != "":
		return StepGenerateResponse
	case s.RedoEdit:
		return StepEditImage
	default:
		return StepGenerateResponse
	}
}
