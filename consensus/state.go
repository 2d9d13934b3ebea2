package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/Artfain/reserve-node/core"
)

// NumberAnswer is a pool member's guess for the open challenge.
type NumberAnswer struct {
	Address         string    `json:"Address"`
	Answer          int       `json:"Answer"`
	NextBlockHeight int64     `json:"NextBlockHeight"`
	SubmitTime      time.Time `json:"SubmitTime"`
}

// BlockAnswer is a legacy answer: the member's crafted block itself.
type BlockAnswer struct {
	Address    string      `json:"Address"`
	Block      *core.Block `json:"Block"`
	SubmitTime time.Time   `json:"SubmitTime"`
}

// WinningBlock is a contender's full block, returned with the round secret.
type WinningBlock struct {
	Address string      `json:"Address"`
	Block   *core.Block `json:"Block"`
	Secret  string      `json:"Secret"`
}

// RoundState holds everything one adjudication round accumulates. It is
// shared by the inbound pool handlers and the round driver.
type RoundState struct {
	mu            sync.Mutex
	question      *TaskQuestion
	answers       map[string]NumberAnswer
	legacy        map[string]BlockAnswer
	contenders    map[string]NumberAnswer
	blocks        map[string]WinningBlock
	secret        string
	lastFinalized time.Time
	submitted     chan struct{}
}

func NewRoundState() *RoundState {
	return &RoundState{
		answers:    make(map[string]NumberAnswer),
		legacy:     make(map[string]BlockAnswer),
		contenders: make(map[string]NumberAnswer),
		blocks:     make(map[string]WinningBlock),
		submitted:  make(chan struct{}, 1),
	}
}

// Open makes q the current question.
func (s *RoundState) Open(q TaskQuestion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.question = &q
}

// Question returns the open question.
func (s *RoundState) Question() (TaskQuestion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.question == nil {
		return TaskQuestion{}, false
	}
	return *s.question, true
}

// AddAnswer records a number answer. Only the first answer per address per
// round counts.
func (s *RoundState) AddAnswer(a NumberAnswer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.question == nil {
		return ErrNoQuestion
	}
	if a.NextBlockHeight != s.question.BlockHeight {
		return ErrWrongRound
	}
	if _, ok := s.answers[a.Address]; ok {
		return ErrAlreadyAnswered
	}
	s.answers[a.Address] = a
	return nil
}

// AddLegacyAnswer records a legacy block answer.
func (s *RoundState) AddLegacyAnswer(a BlockAnswer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.question == nil {
		return ErrNoQuestion
	}
	if a.Block == nil || a.Block.Height != s.question.BlockHeight {
		return ErrWrongRound
	}
	if _, ok := s.legacy[a.Address]; ok {
		return ErrAlreadyAnswered
	}
	s.legacy[a.Address] = a
	return nil
}

// Answers returns the number answers for the open question.
func (s *RoundState) Answers() []NumberAnswer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NumberAnswer, 0, len(s.answers))
	for _, a := range s.answers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// LegacyAnswers returns the legacy block answers.
func (s *RoundState) LegacyAnswers() []BlockAnswer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BlockAnswer, 0, len(s.legacy))
	for _, a := range s.legacy {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// SetContenders replaces the contender set and the secret they must echo.
// Blocks submitted under an earlier secret are dropped.
func (s *RoundState) SetContenders(list []NumberAnswer, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contenders = make(map[string]NumberAnswer, len(list))
	for _, a := range list {
		s.contenders[a.Address] = a
	}
	s.blocks = make(map[string]WinningBlock)
	s.secret = secret
	select {
	case <-s.submitted:
	default:
	}
}

// SubmitWinningBlock stores a contender's block.
func (s *RoundState) SubmitWinningBlock(w WinningBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.question == nil {
		return ErrNoQuestion
	}
	if s.secret == "" || w.Secret != s.secret {
		return ErrBadSecret
	}
	if _, ok := s.contenders[w.Address]; !ok {
		return ErrNotContender
	}
	if w.Block == nil || w.Block.Height != s.question.BlockHeight {
		return ErrWrongRound
	}
	s.blocks[w.Address] = w
	select {
	case s.submitted <- struct{}{}:
	default:
	}
	return nil
}

// Submitted fires after a winning block arrives.
func (s *RoundState) Submitted() <-chan struct{} {
	return s.submitted
}

// AllSubmitted reports whether every contender has sent its block.
func (s *RoundState) AllSubmitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contenders) > 0 && len(s.blocks) == len(s.contenders)
}

// WinningBlocks returns a copy of the received contender blocks.
func (s *RoundState) WinningBlocks() map[string]WinningBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]WinningBlock, len(s.blocks))
	for k, v := range s.blocks {
		out[k] = v
	}
	return out
}

// Purge drops every answer, contender and block targeting a height at or
// below height and clears the secret.
func (s *RoundState) Purge(height int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, a := range s.answers {
		if a.NextBlockHeight <= height {
			delete(s.answers, k)
		}
	}
	for k, a := range s.legacy {
		if a.Block == nil || a.Block.Height <= height {
			delete(s.legacy, k)
		}
	}
	for k, a := range s.contenders {
		if a.NextBlockHeight <= height {
			delete(s.contenders, k)
		}
	}
	for k, w := range s.blocks {
		if w.Block == nil || w.Block.Height <= height {
			delete(s.blocks, k)
		}
	}
	if s.question != nil && s.question.BlockHeight <= height {
		s.question = nil
	}
	s.secret = ""
}

// Finalized records the time a round last produced a block.
func (s *RoundState) Finalized(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFinalized = t
}

func (s *RoundState) LastFinalized() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFinalized
}

// Counts returns the number of answers, legacy answers and winning blocks
// held.
func (s *RoundState) Counts() (answers, legacy, blocks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.answers), len(s.legacy), len(s.blocks)
}
