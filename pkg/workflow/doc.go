// Package workflow routes one conversational turn through the screen editing
// steps and streams the response.
//
// Invariants:
//   - The graph is stateless; where a conversation stands is carried entirely
//     by AgentState flags, and every step has a no-op guard.
//   - A turn commits at most once, and only after the terminal step ran.
//   - Turns on the same session are serialized; turns on different sessions
//     run concurrently.
//   - The only error that prevents a commit of a completed walk is
//     ErrSessionNotFound.
//
// Step graph:
//
//	analyze_intent --error--> send_response
//	analyze_intent --clarification--> feedback_loop
//	analyze_intent --> search_knowledge_base --> summarise_view --> edit_image
//	feedback_loop --redo--> edit_image
//	feedback_loop --> generate_response
//	edit_image --> generate_response --> send_response --> end
package workflow
