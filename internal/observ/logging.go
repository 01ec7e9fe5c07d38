package observ

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

func Log(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}

// NewLogger returns a stdout logger tagged with the component name.
func NewLogger(component string) *log.Logger {
	return log.New(os.Stdout, "["+component+"] ", log.LstdFlags|log.LUTC)
}

// OrDiscard returns l, or a logger that drops everything when l is nil.
func OrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return log.New(io.Discard, "", 0)
	}
	return l
}
