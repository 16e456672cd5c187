package cloud

import (
	"encoding/json"
	"fmt"
)

// session is the serialized envelope handed to the user for storage.
type session struct {
	Token string `json:"token"`
	Hints Hints  `json:"hints"`
}

// SerializeSession packs a token and hints into the compact JSON envelope.
// The round-trip through DeserializeSession is lossless.
func SerializeSession(token string, hints Hints) string {
	data, _ := json.Marshal(session{Token: token, Hints: hints})
	return string(data)
}

// DeserializeSession unpacks an envelope produced by SerializeSession.
func DeserializeSession(data string) (token string, hints Hints, err error) {
	var s session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return "", nil, fmt.Errorf("parse session: %w", err)
	}
	if s.Hints == nil {
		s.Hints = Hints{}
	}
	return s.Token, s.Hints, nil
}
