package extractor

import (
	"encoding/json"
	"fmt"

	"github.com/engramlabs/engram-go/pkg/memory"
)

const candidateSchema = `Each item must be an object with these fields:
- "memory_type": one of "semantic", "episodic", "procedural", "user_profile", "identity"
- "content": a single self-contained statement
- "subject": a short dot-path category like "pet.preference", or "" if none fits
- "importance": integer 1-10
- "confidence": number 0.0-1.0`

func pass1Prompt(transcript string) string {
	return fmt.Sprintf(`Extract the durable, high-confidence memories from this conversation: facts, preferences, decisions, and events worth remembering beyond this session.

Respond with a JSON array only, no prose. %s

Only include statements you are confident about. Skip small talk, transient details, and anything already implied by another item.

Conversation:
%s`, candidateSchema, transcript)
}

func pass2Prompt(transcript string, pass1 []*memory.Candidate) string {
	previous, err := json.Marshal(pass1)
	if err != nil {
		previous = []byte("[]")
	}
	return fmt.Sprintf(`A first extraction pass over this conversation produced the memories below. Review the conversation again and return ONLY memories that are additional or corrected — do not repeat anything already captured.

Respond with a JSON array only, no prose (an empty array if nothing is missing). %s

Already extracted:
%s

Conversation:
%s`, candidateSchema, previous, transcript)
}
