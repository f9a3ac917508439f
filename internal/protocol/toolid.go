package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// SyntheticToolUseID builds a tool-use id for a permission request that
// arrived without one and could not be matched to an earlier PreToolUse.
//
// Gemini and Cursor hook clients can rebuild the same id on their side, so
// their ids are derived from the session, the tool and the current second.
// Two identical calls inside the same second therefore share an id. Every
// other agent gets a random ULID.
func SyntheticToolUseID(agent Agent, sessionID, tool string, now time.Time) string {
	switch agent {
	case AgentGemini, AgentCursor:
		bucket := strconv.FormatInt(now.Unix(), 10)
		sum := sha256.Sum256([]byte(sessionID + "|" + tool + "|" + bucket))
		return string(agent) + "-" + hex.EncodeToString(sum[:8])
	}
	return "synthetic-" + ulid.Make().String()
}
