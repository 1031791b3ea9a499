package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// toolLoopState detects repeated no-progress tool calls inside one turn: the
// same tool invoked with identical arguments returning identical results.
// A few repeats earn the model a warning message; past the critical
// threshold the turn is cut off with an apology instead of burning the
// remaining iterations.
type toolLoopState struct {
	counts  map[string]int    // tool+args hash → call count
	results map[string]string // tool+args hash → last result hash
	repeats map[string]int    // tool+args hash → identical-result count
}

const (
	loopWarnThreshold     = 3
	loopCriticalThreshold = 5
)

// record notes a call and returns the hash identifying (tool, args).
func (s *toolLoopState) record(tool string, args map[string]interface{}) string {
	if s.counts == nil {
		s.counts = make(map[string]int)
		s.results = make(map[string]string)
		s.repeats = make(map[string]int)
	}
	argsJSON, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(tool+"\x00"), argsJSON...))
	hash := hex.EncodeToString(sum[:8])
	s.counts[hash]++
	return hash
}

// recordResult notes the result of a recorded call; identical consecutive
// results are what distinguish a stuck loop from legitimate polling.
func (s *toolLoopState) recordResult(hash, result string) {
	sum := sha256.Sum256([]byte(result))
	resultHash := hex.EncodeToString(sum[:8])
	if s.results[hash] == resultHash {
		s.repeats[hash]++
	} else {
		s.repeats[hash] = 0
	}
	s.results[hash] = resultHash
}

// detect returns ("", "") while progress is being made, ("warning", msg) at
// the warn threshold, and ("critical", msg) when the turn should stop.
func (s *toolLoopState) detect(tool, hash string) (string, string) {
	if s.counts[hash] < loopWarnThreshold || s.repeats[hash] == 0 {
		return "", ""
	}
	if s.counts[hash] >= loopCriticalThreshold {
		return "critical", "tool " + tool + " called " + strconv.Itoa(s.counts[hash]) + " times with identical arguments and results"
	}
	return "warning", "[System: you have called " + tool + " repeatedly with the same arguments and gotten the same result. Change your approach or answer with what you have.]"
}
