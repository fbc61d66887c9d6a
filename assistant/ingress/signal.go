package ingress

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"sort"
	"time"

	"github.com/svenhq/dispatch/assistant/message"
)

const (
	signalReconnectDelay = 5 * time.Second
	signalNotReadyDelay  = time.Second
	// Above this the dedup set is pruned to its newest half.
	maxSeenTimestamps = 1000
)

// SignalListener subscribes to the signal-cli daemon's JSON-RPC socket
// and emits inbound messages. signal-cli redelivers on reconnect, so
// messages are deduplicated by their timestamp.
type SignalListener struct {
	socketPath string
	mux        *Multiplexer
	logger     *slog.Logger
	seen       map[int64]struct{}
}

func NewSignalListener(socketPath string, mux *Multiplexer, logger *slog.Logger) *SignalListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalListener{
		socketPath: socketPath,
		mux:        mux,
		logger:     logger.With("component", "signal"),
		seen:       make(map[int64]struct{}),
	}
}

// Run connects and listens until ctx is canceled, reconnecting with
// backoff on any failure.
func (l *SignalListener) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := os.Stat(l.socketPath); err != nil {
			sleep(ctx, signalNotReadyDelay)
			continue
		}
		if err := l.listen(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("signal listener failed", "error", err)
			sleep(ctx, signalReconnectDelay)
		}
	}
}

func (l *SignalListener) listen(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", l.socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	l.logger.Info("signal listener connected", "socket", l.socketPath)

	subscribe, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "subscribeReceive",
		"id":      1,
		"params":  map[string]any{},
	})
	if _, err := conn.Write(append(subscribe, '\n')); err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		l.processLine(scanner.Bytes())
	}
	return scanner.Err()
}

// Wire shapes for the subset of the signal-cli notification we read.
type signalNotification struct {
	Method string `json:"method"`
	Params struct {
		Result   *signalResult   `json:"result"`
		Envelope *signalEnvelope `json:"envelope"`
	} `json:"params"`
}

type signalResult struct {
	Envelope signalEnvelope `json:"envelope"`
}

type signalEnvelope struct {
	SourceNumber string `json:"sourceNumber"`
	SourceUUID   string `json:"sourceUuid"`
	SourceName   string `json:"sourceName"`
	DataMessage  struct {
		Message     string `json:"message"`
		Timestamp   int64  `json:"timestamp"`
		GroupInfo   *struct {
			GroupID   string `json:"groupId"`
			GroupName string `json:"groupName"`
		} `json:"groupInfo"`
		Attachments []struct {
			File        string `json:"file"`
			ContentType string `json:"contentType"`
			Filename    string `json:"filename"`
			Size        int64  `json:"size"`
		} `json:"attachments"`
	} `json:"dataMessage"`
}

func (l *SignalListener) processLine(line []byte) {
	var note signalNotification
	if err := json.Unmarshal(line, &note); err != nil || note.Method != "receive" {
		return
	}
	env := note.Params.Envelope
	if note.Params.Result != nil {
		env = &note.Params.Result.Envelope
	}
	if env == nil {
		return
	}

	dm := env.DataMessage
	if dm.Message == "" {
		return
	}
	if l.duplicate(dm.Timestamp) {
		return
	}

	sender := env.SourceNumber
	if sender == "" {
		sender = env.SourceUUID
	}
	chatID := sender
	isGroup := false
	groupName := ""
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		chatID = dm.GroupInfo.GroupID
		isGroup = true
		groupName = dm.GroupInfo.GroupName
	}

	var atts []message.Attachment
	for _, a := range dm.Attachments {
		atts = append(atts, message.Attachment{
			Path:      a.File,
			MimeType:  a.ContentType,
			Name:      a.Filename,
			SizeBytes: a.Size,
		})
	}

	l.logger.Info("signal message received", "sender", sender, "group", isGroup)
	l.mux.Emit(message.Message{
		RowID:             dm.Timestamp,
		Timestamp:         time.UnixMilli(dm.Timestamp),
		ChatID:            chatID,
		SenderID:          sender,
		SenderDisplayName: env.SourceName,
		Text:              dm.Message,
		Attachments:       atts,
		IsGroup:           isGroup,
		GroupName:         groupName,
		SourceBackend:     "signal",
	})
}

// duplicate records a timestamp and reports whether it was already
// seen. The set keeps its newest half once it outgrows the cap, which
// handles out-of-order delivery without unbounded growth.
func (l *SignalListener) duplicate(ts int64) bool {
	if _, ok := l.seen[ts]; ok {
		return true
	}
	l.seen[ts] = struct{}{}
	if len(l.seen) > maxSeenTimestamps {
		all := make([]int64, 0, len(l.seen))
		for t := range l.seen {
			all = append(all, t)
		}
		sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
		for _, t := range all[:len(all)/2] {
			delete(l.seen, t)
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
