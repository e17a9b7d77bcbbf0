package quiz

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
)

// Corpus file names inside the content directory.
const (
	questionsFile   = "preguntas.csv"
	correctFile     = "respuestas_correctas.csv"
	distractorsFile = "respuestas_incorrectas.csv"
)

// Snapshot is an immutable view of the question corpus. Handlers read
// whatever snapshot is current; reloads swap the whole thing at once.
type Snapshot struct {
	questions   []domain.Question
	correct     map[int64]string
	distractors map[int64][]string
}

// Questions returns the snapshot's question pool.
func (s *Snapshot) Questions() []domain.Question { return s.questions }

// Correct returns the correct answer for a question id.
func (s *Snapshot) Correct(id int64) (string, bool) {
	a, ok := s.correct[id]
	return a, ok
}

// DistractorsFor returns the incorrect answers for a question id.
func (s *Snapshot) DistractorsFor(id int64) []string { return s.distractors[id] }

// Catalog owns the current corpus snapshot and refreshes it on a cadence.
type Catalog struct {
	dir string
	log *zap.Logger

	mu   sync.RWMutex
	snap *Snapshot
}

// NewCatalog creates a catalog; call Reload before first use.
func NewCatalog(dir string, log *zap.Logger) *Catalog {
	return &Catalog{dir: dir, log: log, snap: &Snapshot{
		correct:     map[int64]string{},
		distractors: map[int64][]string{},
	}}
}

// Reload reads the corpus from disk and swaps the snapshot.
func (c *Catalog) Reload() error {
	snap, err := LoadSnapshot(c.dir)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	c.log.Info("question corpus loaded", zap.Int("questions", len(snap.questions)))
	return nil
}

// Run reloads the corpus every interval until ctx is canceled. A failed
// reload keeps the previous snapshot.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("catalog refresh stopping")
			return
		case <-ticker.C:
			if err := c.Reload(); err != nil {
				c.log.Error("corpus reload failed", zap.Error(err))
			}
		}
	}
}

func (c *Catalog) snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// AllQuestions returns the full question pool of the current snapshot.
func (c *Catalog) AllQuestions() []domain.Question {
	return c.snapshot().questions
}

// CorrectAnswer returns the correct answer text for a question id.
func (c *Catalog) CorrectAnswer(id int64) (string, bool) {
	s := c.snapshot()
	a, ok := s.correct[id]
	return a, ok
}

// Distractors returns the incorrect answer texts for a question id.
func (c *Catalog) Distractors(id int64) []string {
	return c.snapshot().distractors[id]
}

// Len returns the number of questions currently loaded.
func (c *Catalog) Len() int {
	return len(c.snapshot().questions)
}

// LoadSnapshot parses the three corpus CSV files from dir.
func LoadSnapshot(dir string) (*Snapshot, error) {
	questions, err := readQuestions(filepath.Join(dir, questionsFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", questionsFile, err)
	}

	correctRows, err := readAnswers(filepath.Join(dir, correctFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", correctFile, err)
	}
	correct := make(map[int64]string, len(correctRows))
	for _, row := range correctRows {
		// First correct answer wins; the corpus occasionally lists extras.
		if _, ok := correct[row.questionID]; !ok {
			correct[row.questionID] = row.text
		}
	}

	distractorRows, err := readAnswers(filepath.Join(dir, distractorsFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", distractorsFile, err)
	}
	distractors := make(map[int64][]string)
	for _, row := range distractorRows {
		distractors[row.questionID] = append(distractors[row.questionID], row.text)
	}

	return &Snapshot{questions: questions, correct: correct, distractors: distractors}, nil
}

type answerRow struct {
	questionID int64
	text       string
}

// headerIndex finds the position of the first matching column name.
func headerIndex(header []string, names ...string) int {
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, n := range names {
			if h == n {
				return i
			}
		}
	}
	return -1
}

func readQuestions(path string) ([]domain.Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, err
	}
	idCol := headerIndex(header, "id", "question_id")
	textCol := headerIndex(header, "pregunta", "question_text")
	areaCol := headerIndex(header, "area")
	if idCol < 0 || textCol < 0 {
		return nil, errors.New("missing id/pregunta columns")
	}

	var questions []domain.Question
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		id, err := strconv.ParseInt(strings.TrimSpace(rec[idCol]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad question id %q: %w", rec[idCol], err)
		}
		q := domain.Question{ID: id, Text: strings.TrimSpace(rec[textCol]), Area: "General"}
		if areaCol >= 0 && areaCol < len(rec) && strings.TrimSpace(rec[areaCol]) != "" {
			q.Area = strings.TrimSpace(rec[areaCol])
		}
		questions = append(questions, q)
	}
	return questions, nil
}

func readAnswers(path string) ([]answerRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, err
	}
	idCol := headerIndex(header, "idpregunta", "question_id")
	textCol := headerIndex(header, "respuesta", "answer_text")
	if idCol < 0 || textCol < 0 {
		return nil, errors.New("missing idpregunta/respuesta columns")
	}

	var rows []answerRow
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		id, err := strconv.ParseInt(strings.TrimSpace(rec[idCol]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad answer question id %q: %w", rec[idCol], err)
		}
		text := strings.TrimSpace(rec[textCol])
		if text == "" {
			continue
		}
		rows = append(rows, answerRow{questionID: id, text: text})
	}
	return rows, nil
}
