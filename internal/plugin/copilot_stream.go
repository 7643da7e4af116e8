package plugin

import (
	"bufio"
	"bytes"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/nolanhoward/ccrelay/internal/assembler"
	"github.com/nolanhoward/ccrelay/internal/events"
	"github.com/nolanhoward/ccrelay/internal/progress"
	"github.com/nolanhoward/ccrelay/internal/registry"
	"github.com/nolanhoward/ccrelay/internal/sse"
	"github.com/nolanhoward/ccrelay/internal/translate"
)

// streamCopilotBody drives translate.StreamChunkToAnthropic over
// resp's OpenAI-shaped SSE body and writes the translated Anthropic
// events straight to the client. Unlike the generic fan-out
// (internal/fanout), the assembler and progress extractor here see the
// *translated* Anthropic event stream, not Copilot's native one, since
// that's the shape the client actually receives.
func streamCopilotBody(ctx *Context, resp *http.Response, writer *sse.Writer) (map[string]any, bool) {
	state := translate.NewAnthropicStreamState()
	asm := assembler.New(registry.FamilyAnthropic)
	extract := progress.For(registry.FamilyAnthropic)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		payload := bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(payload, []byte("[DONE]")) {
			break
		}
		if len(payload) == 0 {
			continue
		}
		var chunk map[string]any
		if err := json.Unmarshal(payload, &chunk); err != nil {
			continue
		}

		for _, ev := range translate.StreamChunkToAnthropic(chunk, state) {
			if err := writer.WriteData(ev.Payload); err != nil {
				return asm.Result()
			}
			raw, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			asm.OnEvent(ev.Name, raw)
			if prog, ok := extract(ev.Name, raw); ok {
				env := ctx.Envelope()
				env.Seq = ctx.NextSeq()
				ctx.Router.Publish(events.ResponseProgress{Envelope: env, Progress: prog})
			}
		}
	}

	asm.OnDone()
	_ = writer.WriteDone()
	return asm.Result()
}
