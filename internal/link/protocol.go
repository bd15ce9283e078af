package link

// configFrame is the wire format of the session-open message (spec.md §6.1):
// the first JSON text frame a session sends, naming the PCM format the
// following binary frames carry and which room the node belongs to.
type configFrame struct {
	Config struct {
		SampleRate int    `json:"sample_rate"`
		Channels   int    `json:"channels"`
		Bits       int    `json:"bits"`
		RoomID     string `json:"room_id"`
	} `json:"config"`
}

// eofFrame is the wire format of the end-of-session message: a JSON text
// frame marking the last binary PCM frame of a session already sent.
type eofFrame struct {
	EOF int `json:"eof"`
}
