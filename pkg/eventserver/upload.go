package eventserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"lexrt/pkg/protocol"
)

// summaryWords is the number of leading words kept in a simulated summary.
const summaryWords = 12

type uploadJob struct {
	sessionID string
	identity  string
	filename  string
	meta      protocol.UploadMetadata
	text      string
}

// handleUpload accepts a multipart document, answers with the session id
// and pushes the summarization on the summary namespace of the uploader.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	identity := r.Header.Get(protocol.IdentityHeader)
	if identity == "" {
		http.Error(w, "missing "+protocol.IdentityHeader, http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer file.Close()
	body, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read file part", http.StatusBadRequest)
		return
	}

	var meta protocol.UploadMetadata
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			http.Error(w, "invalid metadata", http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if closed {
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}

	job := uploadJob{
		sessionID: s.newID(),
		identity:  identity,
		filename:  header.Filename,
		meta:      meta,
		text:      string(body),
	}
	s.log.Info().Str("session", job.sessionID).Str("file", job.filename).Int("bytes", len(body)).Msg("upload accepted")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": job.sessionID})

	go func() {
		defer s.wg.Done()
		s.summarize(job)
	}()
}

// summarize emits the progress steps, then the result. Files whose name
// contains "fail" fail after the first step.
func (s *Server) summarize(job uploadJob) {
	fail := strings.Contains(strings.ToLower(job.filename), "fail")

	for _, pct := range s.cfg.ProgressSteps {
		if !s.sleep(s.cfg.ProgressDelay) {
			return
		}
		s.pushSummary(job.identity, protocol.EventSummaryProgress, protocol.SummaryProgressPayload{SessionID: job.sessionID, Percent: pct})
		if fail {
			s.pushTerminal(job.identity, protocol.EventSummaryFailed, protocol.FailedPayload{SessionID: job.sessionID, Reason: "document could not be parsed"})
			return
		}
	}
	s.pushTerminal(job.identity, protocol.EventSummaryCompleted, protocol.SummaryCompletedPayload{SessionID: job.sessionID, Result: summaryOf(job)})
}

func (s *Server) pushTerminal(identity, event string, payload any) {
	s.pushSummary(identity, event, payload)
	if s.cfg.ResendTerminal {
		s.pushSummary(identity, event, payload)
	}
}

// pushSummary sends to every summary connection authenticated as identity.
func (s *Server) pushSummary(identity, event string, payload any) {
	for _, c := range s.authedConns(protocol.NamespaceSummary, identity) {
		_ = s.send(c, event, payload)
	}
}

func summaryOf(job uploadJob) string {
	title := job.meta.Title
	if title == "" {
		title = job.filename
	}
	words := strings.Fields(job.text)
	if len(words) > summaryWords {
		words = append(words[:summaryWords], "...")
	}
	return fmt.Sprintf("%s: %s", title, strings.Join(words, " "))
}
