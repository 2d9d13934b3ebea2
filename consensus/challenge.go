package consensus

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
)

// TaskRandomNumber is the only challenge kind: guess a hidden number.
const TaskRandomNumber = "rndNum"

// DefaultMaxNumber bounds the hidden number and every answer.
const DefaultMaxNumber = 1_000_000

// TaskQuestion is a round's challenge. TaskAnswer is the hidden seed and is
// never sent to the pool.
type TaskQuestion struct {
	TaskType    string `json:"TaskType"`
	BlockHeight int64  `json:"BlockHeight"`
	TaskAnswer  string `json:"TaskAnswer,omitempty"`
}

// Public strips the hidden seed.
func (q TaskQuestion) Public() TaskQuestion {
	q.TaskAnswer = ""
	return q
}

// Number parses the hidden seed of a random number challenge.
func (q TaskQuestion) Number() (int, error) {
	return strconv.Atoi(q.TaskAnswer)
}

// Challenger produces the challenge for a round.
type Challenger interface {
	NewChallenge(kind string, height int64) (TaskQuestion, error)
}

// RandomChallenger draws seeds from crypto/rand.
type RandomChallenger struct {
	Max int
}

func (r RandomChallenger) NewChallenge(kind string, height int64) (TaskQuestion, error) {
	if kind != TaskRandomNumber {
		return TaskQuestion{}, fmt.Errorf("%w: %q", ErrUnknownTask, kind)
	}
	max := r.Max
	if max <= 0 {
		max = DefaultMaxNumber
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return TaskQuestion{}, err
	}
	return TaskQuestion{
		TaskType:    kind,
		BlockHeight: height,
		TaskAnswer:  strconv.FormatInt(n.Int64()+1, 10),
	}, nil
}

// newSecret returns the one-time secret a contender must echo back with its
// winning block.
func newSecret() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
