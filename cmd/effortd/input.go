package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"unicode"

	"github.com/elecnix/ai-effort-regulation/internal/classifier"
	"github.com/elecnix/ai-effort-regulation/internal/scheduler"
	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

// inbox is the part of the loop the input reader needs.
type inbox interface {
	Deliver(in protocol.Inbound) string
	Metrics() scheduler.Metrics
	Diagnostics() []scheduler.Diagnostic
}

const maxLine = 1 << 20

// readInput delivers each line of r to the loop until r is exhausted or ctx
// is done. EOF is not an error: the daemon keeps working on what it has.
// The /metrics and /diagnostics commands write JSON to w. Messages get a
// priority hint from cls.
func readInput(ctx context.Context, r io.Reader, w io.Writer, box inbox, cls *classifier.Classifier, logger *slog.Logger) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLine)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	out := json.NewEncoder(w)
	out.SetIndent("", "  ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/metrics":
				_ = out.Encode(box.Metrics())
				continue
			case "/diagnostics":
				_ = out.Encode(box.Diagnostics())
				continue
			}
			in := parseLine(line)
			class := cls.Classify(in.Content)
			in.PriorityHint = class.Priority
			id := box.Deliver(in)
			logger.Debug("input delivered", "item", id, "class", class.Label, "bytes", len(in.Content))
		}
	}
}

// parseLine splits "id: text" into a continuation of conversation id. The id
// may not contain spaces; anything else starts a new conversation.
func parseLine(line string) protocol.Inbound {
	line = strings.TrimSpace(line)
	if i := strings.Index(line, ":"); i > 0 {
		id, rest := line[:i], line[i+1:]
		// URLs such as "https://..." are content, not an id.
		if !strings.ContainsFunc(id, unicode.IsSpace) && !strings.HasPrefix(rest, "//") {
			if text := strings.TrimSpace(rest); text != "" {
				return protocol.Inbound{ItemID: id, Content: text}
			}
		}
	}
	return protocol.Inbound{Content: line}
}
