// Package pipeline runs inbound utterances through speech-to-text, the LLM
// stream, sentence splitting, synthesis and playback. Synthesis runs ahead
// of playback on separate workers so sentence gaps stay short.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxgate/internal/bridge"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/openclaw"
	"github.com/MrWong99/voxgate/internal/sink"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/wakeword"
)

const (
	formatWAV = "wav"

	// minTranscriptChars is the minimum number of non-whitespace characters
	// a transcript must have to be worth sending to the LLM.
	minTranscriptChars = 2

	defaultSentenceSilence = 150 * time.Millisecond

	sentenceQueueSize = 64
	audioQueueSize    = 16

	stopTimeout = 5 * time.Second
)

// ─── Collaborator interfaces ───

// Bridge is the subset of the voice bridge used for playback.
type Bridge interface {
	// Play blocks until the bridge confirms the clip finished.
	Play(ctx context.Context, guildID string, audio []byte, format string) error
	// PlayLoop starts a looping clip and returns immediately.
	PlayLoop(ctx context.Context, guildID string, audio []byte, format string) error
	StopPlaying(ctx context.Context, guildID string, fade bool) error
}

// AudioGate is the subset of the streaming sink used to suppress echo and
// invalidate audio buffered during playback.
type AudioGate interface {
	Epoch() int64
	PlaybackActive() bool
	SetPlaybackActive(active bool)
	Drain()
}

// Transcriber converts one utterance of 16 kHz mono PCM to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// Synthesizer converts one sentence to a WAV clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// Chat streams LLM response deltas for one user message.
type Chat interface {
	Stream(ctx context.Context, sessionID, text, senderName, senderID, agentID string) <-chan string
}

// Auth resolves per-user authorization and routing.
type Auth interface {
	IsAuthorized(userID string) bool
	AgentID(userID string) string
	VoiceID(userID string) string
	MakeSessionID(guildID, channelID, userID string) string
}

// Compile-time glue checks against the concrete collaborators.
var (
	_ Bridge      = (*bridge.Client)(nil)
	_ AudioGate   = (*sink.Sink)(nil)
	_ Transcriber = (stt.Provider)(nil)
	_ Synthesizer = (tts.Provider)(nil)
	_ Chat        = (*openclaw.Client)(nil)
)

// ─── Construction ───

// Deps holds the required collaborators of an Orchestrator.
type Deps struct {
	Bridge Bridge
	Gate   AudioGate
	STT    Transcriber
	TTS    Synthesizer
	Chat   Chat
	Auth   Auth

	// MemberCount returns the number of non-bot members in the channel.
	MemberCount func() int

	// DisplayName resolves a user ID to a speakable name.
	DisplayName func(userID string) string
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithWakeDetector enables audio-level wake word gating.
func WithWakeDetector(d wakeword.Detector) Option {
	return func(o *Orchestrator) { o.wake = d }
}

// WithWakePhrase enables transcript-level wake phrase gating, used when no
// audio model is configured.
func WithWakePhrase(m *wakeword.PhraseMatcher) Option {
	return func(o *Orchestrator) { o.wakePhrase = m }
}

// WithRequireWakeForUnauthorized makes unauthorized users subject to wake
// word gating on every utterance.
func WithRequireWakeForUnauthorized(require bool) Option {
	return func(o *Orchestrator) { o.requireWakeUnauthorized = require }
}

// WithThinkingSound sets the looping WAV clip played while the pipeline is
// working. No clip disables the feedback sound.
func WithThinkingSound(wav []byte) Option {
	return func(o *Orchestrator) { o.thinkingWAV = wav }
}

// WithSentenceSilence sets the pause inserted between played sentences.
func WithSentenceSilence(d time.Duration) Option {
	return func(o *Orchestrator) { o.sentenceSilence = d }
}

// WithActivityFunc sets a callback invoked whenever an utterance passes the
// authorization gate, used to reset inactivity timers.
func WithActivityFunc(fn func()) Option {
	return func(o *Orchestrator) { o.onActivity = fn }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// Orchestrator runs one utterance at a time through the full voice pipeline
// for a single session. Utterances arriving while a run is in progress queue
// behind the session mutex.
type Orchestrator struct {
	guildID   string
	channelID string

	bridge Bridge
	gate   AudioGate
	stt    Transcriber
	tts    Synthesizer
	chat   Chat
	auth   Auth

	memberCount func() int
	displayName func(userID string) string

	wake                    wakeword.Detector
	wakePhrase              *wakeword.PhraseMatcher
	requireWakeUnauthorized bool
	thinkingWAV             []byte
	sentenceSilence         time.Duration
	onActivity              func()
	log                     *slog.Logger

	active      atomic.Bool
	interrupted atomic.Bool
	tasks       sync.WaitGroup

	// mu serialises pipeline runs. interruptedPartial carries the cut-off
	// response text from a barge-in into the next run's prompt.
	mu                 sync.Mutex
	interruptedPartial string

	sessMu   sync.Mutex
	sessions map[string]string

	metrics *observe.Metrics
}

// New creates an Orchestrator for one guild voice session.
func New(guildID, channelID string, deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		guildID:         guildID,
		channelID:       channelID,
		bridge:          deps.Bridge,
		gate:            deps.Gate,
		stt:             deps.STT,
		tts:             deps.TTS,
		chat:            deps.Chat,
		auth:            deps.Auth,
		memberCount:     deps.MemberCount,
		displayName:     deps.DisplayName,
		sentenceSilence: defaultSentenceSilence,
		log:             slog.Default(),
		sessions:        make(map[string]string),
		metrics:         observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.active.Store(true)
	return o
}

// ─── Lifecycle ───

// SetActive enables or disables utterance processing. Disabling does not
// cancel in-flight runs; use Wait to let them finish.
func (o *Orchestrator) SetActive(active bool) {
	o.active.Store(active)
}

// Wait blocks until all in-flight pipeline runs complete or the timeout
// elapses. It reports whether everything finished in time.
func (o *Orchestrator) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Interrupt flags the current run as barged-in and fades out playback. It is
// idempotent within a run; the flag is cleared when the next run starts.
func (o *Orchestrator) Interrupt() {
	if !o.interrupted.CompareAndSwap(false, true) {
		return
	}
	o.log.Info("barge-in: stopping playback", "guild_id", o.guildID)
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	o.metrics.BargeIns.Add(ctx, 1)
	if err := o.bridge.StopPlaying(ctx, o.guildID, true); err != nil {
		o.log.Warn("barge-in: stop failed", "guild_id", o.guildID, "err", err)
	}
}

// ─── Pipeline ───

// HandleUtterance processes one segmented utterance. It is the sink's
// dispatch target and safe to call concurrently; runs are serialised
// internally.
func (o *Orchestrator) HandleUtterance(ctx context.Context, u sink.Utterance) {
	if !o.active.Load() {
		return
	}
	o.tasks.Add(1)
	defer o.tasks.Done()

	// Loud speech during playback is a barge-in regardless of what the
	// transcript turns out to be.
	if o.gate.PlaybackActive() && u.RMS > sink.PlaybackSpeechThreshold {
		o.Interrupt()
	}

	authorized := o.auth.IsAuthorized(u.UserID)
	needWake := false
	switch {
	case !authorized && o.requireWakeUnauthorized:
		if o.wake == nil && o.wakePhrase == nil {
			return
		}
		needWake = true
	case authorized && (o.wake != nil || o.wakePhrase != nil) && o.memberCount() > 2:
		needWake = true
	}

	// The audio-level detector runs before anything else; the phrase
	// matcher needs the transcript and is checked after STT.
	needTranscriptWake := false
	if needWake {
		if o.wake != nil {
			detected, err := o.wake.Detect(ctx, u.PCM)
			if err != nil {
				o.log.Warn("wake word detection failed", "guild_id", o.guildID, "err", err)
				return
			}
			if detected {
				o.wake.Reset()
			} else if o.wakePhrase == nil {
				return
			} else {
				needTranscriptWake = true
			}
		} else {
			needTranscriptWake = true
		}
	}

	if o.onActivity != nil {
		o.onActivity()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Audio buffered before the last drain is bot playback picked up by
	// microphones, not user speech.
	if u.Epoch != o.gate.Epoch() {
		o.log.Debug("dropping stale utterance",
			"guild_id", o.guildID, "user_id", u.UserID,
			"epoch", u.Epoch, "current", o.gate.Epoch())
		return
	}
	if !o.active.Load() {
		return
	}
	o.interrupted.Store(false)
	o.run(ctx, u, needTranscriptWake)
}

func (o *Orchestrator) run(ctx context.Context, u sink.Utterance, needTranscriptWake bool) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "voice.turn",
		trace.WithAttributes(
			observe.Attr("guild_id", o.guildID),
			observe.Attr("user_id", u.UserID),
		))
	defer span.End()
	o.metrics.RecordUtterance(ctx, o.guildID)

	thinking := false
	if len(o.thinkingWAV) > 0 {
		if err := o.bridge.PlayLoop(ctx, o.guildID, o.thinkingWAV, formatWAV); err != nil {
			o.log.Debug("thinking sound not started", "guild_id", o.guildID, "err", err)
		} else {
			thinking = true
		}
	}
	var thinkingOnce sync.Once
	stopThinking := func() {
		thinkingOnce.Do(func() {
			if !thinking {
				return
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := o.bridge.StopPlaying(stopCtx, o.guildID, false); err != nil {
				o.log.Debug("thinking sound not stopped", "guild_id", o.guildID, "err", err)
			}
		})
	}
	defer stopThinking()

	sttStart := time.Now()
	text, err := o.stt.Transcribe(ctx, u.PCM)
	if err != nil {
		o.log.Error("transcription failed", "guild_id", o.guildID, "user_id", u.UserID, "err", err)
		o.metrics.RecordProviderError(ctx, "stt", "transcribe")
		return
	}
	o.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	if nonWhitespaceLen(text) < minTranscriptChars {
		return
	}
	o.log.Debug("transcription complete",
		"guild_id", o.guildID, "user_id", u.UserID,
		"took", time.Since(sttStart), "chars", len(text))

	if needTranscriptWake && !o.wakePhrase.Match(text) {
		return
	}

	name := o.displayName(u.UserID)
	o.log.Info("user said", "guild_id", o.guildID, "speaker", name, "text", text)

	prompt := text
	if o.interruptedPartial != "" {
		prompt = fmt.Sprintf(
			"(The user interrupted your previous response. You had said: %q. Respond to their new message instead.) %s",
			o.interruptedPartial, text)
		o.interruptedPartial = ""
	}

	sessionID := o.userSessionID(u.UserID)
	agentID := o.auth.AgentID(u.UserID)
	voiceID := o.auth.VoiceID(u.UserID)

	o.gate.SetPlaybackActive(true)
	defer o.gate.SetPlaybackActive(false)

	sentences := make(chan string, sentenceQueueSize)
	audioQueue := make(chan []byte, audioQueueSize)
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		o.ttsWorker(ctx, voiceID, sentences, audioQueue)
	}()
	go func() {
		defer workers.Done()
		o.playWorker(ctx, stopThinking, audioQueue)
	}()

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	var full strings.Builder
	var splitter Splitter
	interrupted := false
	llmStart := time.Now()

	for delta := range o.chat.Stream(streamCtx, sessionID, prompt, name, u.UserID, agentID) {
		full.WriteString(delta)
		if o.interrupted.Load() {
			interrupted = true
			cancelStream()
			break
		}
		for _, s := range splitter.Push(delta) {
			sentences <- s
		}
	}
	if !interrupted {
		interrupted = o.interrupted.Load()
	}
	if !interrupted {
		if rest := splitter.Flush(); rest != "" {
			sentences <- rest
		}
	}
	o.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
	close(sentences)
	workers.Wait()

	if interrupted && full.Len() > 0 {
		o.interruptedPartial = full.String()
		o.log.Info("response interrupted",
			"guild_id", o.guildID, "partial_chars", full.Len())
		return
	}
	if full.Len() == 0 {
		o.log.Warn("backend returned no content",
			"guild_id", o.guildID, "text", text, "took", time.Since(llmStart))
		return
	}
	o.log.Info("assistant said", "guild_id", o.guildID, "text", full.String())
	o.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	o.log.Debug("pipeline complete",
		"guild_id", o.guildID, "user_id", u.UserID, "took", time.Since(start))
}

// ttsWorker synthesises queued sentences in arrival order, running ahead of
// playback.
func (o *Orchestrator) ttsWorker(ctx context.Context, voiceID string, sentences <-chan string, clips chan<- []byte) {
	defer close(clips)
	for sentence := range sentences {
		if o.interrupted.Load() {
			continue
		}
		synthStart := time.Now()
		wav, err := o.tts.Synthesize(ctx, sentence, voiceID)
		if err != nil {
			o.log.Error("synthesis failed", "guild_id", o.guildID, "err", err)
			o.metrics.RecordProviderError(ctx, "tts", "synthesize")
			continue
		}
		o.metrics.TTSDuration.Record(ctx, time.Since(synthStart).Seconds())
		if len(wav) == 0 {
			o.log.Debug("synthesis produced no audio", "guild_id", o.guildID, "sentence", sentence)
			continue
		}
		o.log.Debug("synthesis complete",
			"guild_id", o.guildID, "bytes", len(wav), "took", time.Since(synthStart))
		clips <- wav
	}
}

// playWorker plays queued clips one at a time, stopping the thinking sound
// before the first and draining echo after each.
func (o *Orchestrator) playWorker(ctx context.Context, stopThinking func(), clips <-chan []byte) {
	for wav := range clips {
		if o.interrupted.Load() || ctx.Err() != nil {
			continue
		}
		stopThinking()
		if err := o.bridge.Play(ctx, o.guildID, wav, formatWAV); err != nil {
			o.log.Error("playback failed", "guild_id", o.guildID, "err", err)
		}
		if o.interrupted.Load() {
			// Draining here would wipe the interrupting speech out of the
			// sink buffer.
			continue
		}
		o.gate.Drain()
		select {
		case <-time.After(o.sentenceSilence):
		case <-ctx.Done():
		}
	}
}

// Announce speaks a proactive message into the channel, sentence by
// sentence. It queues behind any in-flight pipeline run and stops early when
// a listener barges in.
func (o *Orchestrator) Announce(ctx context.Context, text string) error {
	if !o.active.Load() {
		return fmt.Errorf("pipeline: session not active")
	}
	o.tasks.Add(1)
	defer o.tasks.Done()

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active.Load() {
		return fmt.Errorf("pipeline: session not active")
	}
	o.interrupted.Store(false)

	o.gate.SetPlaybackActive(true)
	defer o.gate.SetPlaybackActive(false)

	var splitter Splitter
	sentences := splitter.Push(text)
	if rest := splitter.Flush(); rest != "" {
		sentences = append(sentences, rest)
	}
	for _, sentence := range sentences {
		if o.interrupted.Load() {
			return nil
		}
		wav, err := o.tts.Synthesize(ctx, sentence, "")
		if err != nil {
			return fmt.Errorf("pipeline: announce synthesis: %w", err)
		}
		if len(wav) == 0 {
			continue
		}
		if err := o.bridge.Play(ctx, o.guildID, wav, formatWAV); err != nil {
			return fmt.Errorf("pipeline: announce playback: %w", err)
		}
		if o.interrupted.Load() {
			return nil
		}
		o.gate.Drain()
		select {
		case <-time.After(o.sentenceSilence):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.log.Info("announcement played", "guild_id", o.guildID, "chars", len(text))
	return nil
}

// userSessionID returns the stable per-user LLM session id, creating it on
// first use.
func (o *Orchestrator) userSessionID(userID string) string {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	id, ok := o.sessions[userID]
	if !ok {
		id = o.auth.MakeSessionID(o.guildID, o.channelID, userID)
		o.sessions[userID] = id
	}
	return id
}

// UserSessionIDs returns a snapshot of the per-user LLM session ids created
// so far, used for history compaction at session teardown.
func (o *Orchestrator) UserSessionIDs() []string {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	ids := make([]string, 0, len(o.sessions))
	for _, id := range o.sessions {
		ids = append(ids, id)
	}
	return ids
}

func nonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
