// Package analytics subscribes to the event bus and folds
// request/response pairs into per-turn and cumulative statistics: token
// usage, cost by model family, and per-tool economics with proportional
// cache attribution. Everything here is derived, in-memory state — the
// archive file is the durable record; this store exists so dashboards
// can be answered without re-reading it.
package analytics

import (
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/nolanhoward/ccrelay/internal/events"
)

// ToolInvocationRecord is one committed tool invocation within a turn.
type ToolInvocationRecord struct {
	ToolName     string `json:"tool_name"`
	ToolUseID    string `json:"tool_use_id"`
	InputTokens  int    `json:"input_tokens"`
	ResultTokens int    `json:"result_tokens"`
	IsError      bool   `json:"is_error"`
}

// TurnRecord is one committed API turn (request + complete response).
type TurnRecord struct {
	SequenceNum         int                    `json:"sequence_num"`
	Model               string                 `json:"model"`
	StopReason          string                 `json:"stop_reason"`
	InputTokens         int                    `json:"input_tokens"`
	OutputTokens        int                    `json:"output_tokens"`
	CacheReadTokens     int                    `json:"cache_read_tokens"`
	CacheCreationTokens int                    `json:"cache_creation_tokens"`
	RequestJSON         string                 `json:"request_json"`
	ToolInvocations     []ToolInvocationRecord `json:"tool_invocations"`
}

// SessionStats is the cumulative token breakdown across all turns.
type SessionStats struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
}

// CurrentTurn carries an in-progress turn's counters for reducers that
// merge not-yet-committed usage into their result.
type CurrentTurn struct {
	Model               string
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

// TimelineRow is one turn in the session timeline, with the derived
// input_total and cache_pct columns.
type TimelineRow struct {
	SequenceNum         int     `json:"sequence_num"`
	Model               string  `json:"model"`
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	InputTotal          int     `json:"input_total"`
	CachePct            float64 `json:"cache_pct"`
	DeltaInput          int     `json:"delta_input"`
}

// ModelRow aggregates the turns of one model for the dashboard.
type ModelRow struct {
	Model               string  `json:"model"`
	ModelLabel          string  `json:"model_label"`
	Turns               int     `json:"turns"`
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	InputTotal          int     `json:"input_total"`
	TotalTokens         int     `json:"total_tokens"`
	CachePct            float64 `json:"cache_pct"`
}

// Summary is the dashboard's headline aggregate.
type Summary struct {
	TurnCount           int     `json:"turn_count"`
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	InputTotal          int     `json:"input_total"`
	TotalTokens         int     `json:"total_tokens"`
	CachePct            float64 `json:"cache_pct"`
}

// Snapshot is the full dashboard payload.
type Snapshot struct {
	Summary  Summary       `json:"summary"`
	Timeline []TimelineRow `json:"timeline"`
	Models   []ModelRow    `json:"models"`
}

// ToolEconomicsRow is one tool's aggregated economics. Model is empty
// in aggregate mode and carries the model id in per-model breakdown
// mode.
type ToolEconomicsRow struct {
	Name            string  `json:"name"`
	Calls           int     `json:"calls"`
	InputTokens     int     `json:"input_tokens"`
	ResultTokens    int     `json:"result_tokens"`
	CacheReadTokens int     `json:"cache_read_tokens"`
	NormCost        float64 `json:"norm_cost"`
	Model           string  `json:"model,omitempty"`
}

// Store accumulates turns from the event bus. Safe for concurrent use:
// OnEvent runs on the subscriber goroutine while reducers are called
// from wherever a dashboard lives.
type Store struct {
	log zerolog.Logger

	mu    sync.Mutex
	turns []TurnRecord
	seq   int

	currentRequest map[string]any
	currentModel   string
}

// NewStore builds an empty Store.
func NewStore(log zerolog.Logger) *Store {
	return &Store{log: log.With().Str("component", "analytics").Logger()}
}

// OnEvent implements bus.Subscriber: RequestBody opens a turn
// accumulator, ResponseComplete commits it. Everything else is ignored.
func (s *Store) OnEvent(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case events.RequestBody:
		s.currentRequest = e.Body
		s.currentModel, _ = e.Body["model"].(string)

	case events.ResponseComplete:
		s.commitTurn(e.Body)
	}
}

// commitTurn folds the complete response body into a TurnRecord. Caller
// holds s.mu.
func (s *Store) commitTurn(body map[string]any) {
	if s.currentRequest == nil {
		return
	}

	usage, _ := body["usage"].(map[string]any)
	model, _ := body["model"].(string)
	if model == "" {
		model = s.currentModel
	}
	stopReason, _ := body["stop_reason"].(string)

	s.seq++

	messages, _ := s.currentRequest["messages"].([]any)
	var toolRecords []ToolInvocationRecord
	for _, inv := range CorrelateTools(messages) {
		toolRecords = append(toolRecords, ToolInvocationRecord{
			ToolName:     inv.Name,
			ToolUseID:    inv.ToolUseID,
			InputTokens:  estimateTokens(inv.InputStr),
			ResultTokens: estimateTokens(inv.ResultStr),
			IsError:      inv.IsError,
		})
	}

	requestJSON, err := json.Marshal(s.currentRequest)
	if err != nil {
		s.log.Warn().Err(err).Msg("analytics: serializing request body failed")
		requestJSON = []byte("{}")
	}

	s.turns = append(s.turns, TurnRecord{
		SequenceNum:         s.seq,
		Model:               model,
		StopReason:          stopReason,
		InputTokens:         intField(usage, "input_tokens"),
		OutputTokens:        intField(usage, "output_tokens"),
		CacheReadTokens:     intField(usage, "cache_read_input_tokens"),
		CacheCreationTokens: intField(usage, "cache_creation_input_tokens"),
		RequestJSON:         string(requestJSON),
		ToolInvocations:     toolRecords,
	})

	s.currentRequest = nil
}

// estimateTokens is the rough chars/4 heuristic shared with the local
// token-count endpoint; exact tokenizer-backed counting is a deliberate
// external collaborator.
func estimateTokens(s string) int {
	return len(s) / 4
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// SessionStats sums token counts across all committed turns, merging
// currentTurn's counters when non-nil.
func (s *Store) SessionStats(currentTurn *CurrentTurn) SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats SessionStats
	for _, t := range s.turns {
		stats.InputTokens += t.InputTokens
		stats.OutputTokens += t.OutputTokens
		stats.CacheReadTokens += t.CacheReadTokens
		stats.CacheCreationTokens += t.CacheCreationTokens
	}
	if currentTurn != nil {
		stats.InputTokens += currentTurn.InputTokens
		stats.OutputTokens += currentTurn.OutputTokens
		stats.CacheReadTokens += currentTurn.CacheReadTokens
		stats.CacheCreationTokens += currentTurn.CacheCreationTokens
	}
	return stats
}

// LatestTurnStats returns the most recent committed turn, or nil when
// no turn has committed yet.
func (s *Store) LatestTurnStats() *TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) == 0 {
		return nil
	}
	t := s.turns[len(s.turns)-1]
	return &t
}

// TurnTimeline returns one row per committed turn with the derived
// input_total and cache_pct columns.
func (s *Store) TurnTimeline() []TimelineRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return timelineRows(s.turnRowsLocked(nil))
}

// turnRow is the minimal per-turn shape the dashboard reducers fold
// over.
type turnRow struct {
	seq                 int
	model               string
	input, output       int
	cacheRead, cacheNew int
}

// turnRowsLocked renders committed turns (plus an optional in-progress
// turn with any non-zero counter) as reducer rows. Caller holds s.mu.
func (s *Store) turnRowsLocked(currentTurn *CurrentTurn) []turnRow {
	rows := make([]turnRow, 0, len(s.turns)+1)
	for _, t := range s.turns {
		rows = append(rows, turnRow{
			seq:       t.SequenceNum,
			model:     t.Model,
			input:     t.InputTokens,
			output:    t.OutputTokens,
			cacheRead: t.CacheReadTokens,
			cacheNew:  t.CacheCreationTokens,
		})
	}
	if currentTurn != nil {
		pending := turnRow{
			seq:       len(rows) + 1,
			model:     currentTurn.Model,
			input:     currentTurn.InputTokens,
			output:    currentTurn.OutputTokens,
			cacheRead: currentTurn.CacheReadTokens,
			cacheNew:  currentTurn.CacheCreationTokens,
		}
		if pending.input > 0 || pending.output > 0 || pending.cacheRead > 0 || pending.cacheNew > 0 {
			rows = append(rows, pending)
		}
	}
	return rows
}

func timelineRows(rows []turnRow) []TimelineRow {
	out := make([]TimelineRow, 0, len(rows))
	prevInputTotal := 0
	for _, row := range rows {
		inputTotal := row.input + row.cacheRead
		cachePct := 0.0
		if inputTotal > 0 {
			cachePct = 100.0 * float64(row.cacheRead) / float64(inputTotal)
		}
		deltaInput := 0
		if prevInputTotal > 0 {
			deltaInput = inputTotal - prevInputTotal
		}
		prevInputTotal = inputTotal
		out = append(out, TimelineRow{
			SequenceNum:         row.seq,
			Model:               row.model,
			InputTokens:         row.input,
			OutputTokens:        row.output,
			CacheReadTokens:     row.cacheRead,
			CacheCreationTokens: row.cacheNew,
			InputTotal:          inputTotal,
			CachePct:            cachePct,
			DeltaInput:          deltaInput,
		})
	}
	return out
}

// DashboardSnapshot builds the summary + timeline + per-model rows the
// dashboard renders, optionally merging an in-progress turn.
func (s *Store) DashboardSnapshot(currentTurn *CurrentTurn) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.turnRowsLocked(currentTurn)
	timeline := timelineRows(rows)

	modelAgg := map[string]*ModelRow{}
	for _, row := range rows {
		agg, ok := modelAgg[row.model]
		if !ok {
			agg = &ModelRow{Model: row.model, ModelLabel: FormatModelShort(row.model)}
			modelAgg[row.model] = agg
		}
		agg.Turns++
		agg.InputTokens += row.input
		agg.OutputTokens += row.output
		agg.CacheReadTokens += row.cacheRead
		agg.CacheCreationTokens += row.cacheNew
		agg.CostUSD += ComputeSessionCost(row.input, row.output, row.cacheRead, row.cacheNew, row.model)
	}

	models := make([]ModelRow, 0, len(modelAgg))
	for _, agg := range modelAgg {
		agg.InputTotal = agg.InputTokens + agg.CacheReadTokens
		agg.TotalTokens = agg.InputTotal + agg.OutputTokens
		if agg.InputTotal > 0 {
			agg.CachePct = 100.0 * float64(agg.CacheReadTokens) / float64(agg.InputTotal)
		}
		models = append(models, *agg)
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].TotalTokens != models[j].TotalTokens {
			return models[i].TotalTokens > models[j].TotalTokens
		}
		return models[i].ModelLabel < models[j].ModelLabel
	})

	var summary Summary
	summary.TurnCount = len(rows)
	for _, row := range rows {
		summary.InputTokens += row.input
		summary.OutputTokens += row.output
		summary.CacheReadTokens += row.cacheRead
		summary.CacheCreationTokens += row.cacheNew
	}
	for _, m := range models {
		summary.CostUSD += m.CostUSD
	}
	summary.InputTotal = summary.InputTokens + summary.CacheReadTokens
	summary.TotalTokens = summary.InputTotal + summary.OutputTokens
	if summary.InputTotal > 0 {
		summary.CachePct = 100.0 * float64(summary.CacheReadTokens) / float64(summary.InputTotal)
	}

	return Snapshot{Summary: summary, Timeline: timeline, Models: models}
}

// ToolEconomics aggregates committed tool invocations, by tool name
// alone (groupByModel=false) or by (tool, model). Each invocation is
// attributed a share of its turn's cache_read_tokens proportional to
// its input tokens, and a normalized cost in Haiku-input-units. Rows
// sort by normalized cost descending, ties broken by name then model.
func (s *Store) ToolEconomics(groupByModel bool) []ToolEconomicsRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) == 0 {
		return nil
	}

	type key struct{ name, model string }
	agg := map[key]*ToolEconomicsRow{}

	for _, turn := range s.turns {
		if len(turn.ToolInvocations) == 0 {
			continue
		}
		turnToolTotal := 0
		for _, inv := range turn.ToolInvocations {
			turnToolTotal += inv.InputTokens
		}
		_, pricing := ClassifyModel(turn.Model)

		for _, inv := range turn.ToolInvocations {
			cacheContrib := 0
			if turnToolTotal > 0 && turn.CacheReadTokens > 0 {
				cacheContrib = int(float64(inv.InputTokens) / float64(turnToolTotal) * float64(turn.CacheReadTokens))
			}
			normCost := float64(inv.InputTokens)*(pricing.BaseInput/haikuBaseUnit) +
				float64(inv.ResultTokens)*(pricing.Output/haikuBaseUnit)

			k := key{name: inv.ToolName}
			if groupByModel {
				k.model = turn.Model
			}
			row, ok := agg[k]
			if !ok {
				row = &ToolEconomicsRow{Name: k.name, Model: k.model}
				agg[k] = row
			}
			row.Calls++
			row.InputTokens += inv.InputTokens
			row.ResultTokens += inv.ResultTokens
			row.CacheReadTokens += cacheContrib
			row.NormCost += normCost
		}
	}

	out := make([]ToolEconomicsRow, 0, len(agg))
	for _, row := range agg {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NormCost != out[j].NormCost {
			return out[i].NormCost > out[j].NormCost
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// storeState is the serialized form of the whole store. Unknown
// historical fields in a restored payload are ignored by JSON
// unmarshaling.
type storeState struct {
	Turns          []TurnRecord   `json:"turns"`
	Seq            int            `json:"seq"`
	CurrentRequest map[string]any `json:"current_request,omitempty"`
	CurrentModel   string         `json:"current_model,omitempty"`
}

// State serializes the whole store, including any in-progress turn
// accumulator.
func (s *Store) State() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(storeState{
		Turns:          s.turns,
		Seq:            s.seq,
		CurrentRequest: s.currentRequest,
		CurrentModel:   s.currentModel,
	})
}

// RestoreState replaces the store's contents with a previously
// serialized state.
func (s *Store) RestoreState(data []byte) error {
	var state storeState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = state.Turns
	s.seq = state.Seq
	s.currentRequest = state.CurrentRequest
	s.currentModel = state.CurrentModel
	return nil
}
