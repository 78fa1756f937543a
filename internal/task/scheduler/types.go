package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"herald/internal/task/engine"
	logx "herald/pkg/logx"
)

type Config struct {
	// Timezone is an IANA name for cron schedules; empty means Local.
	Timezone string
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // normalized: cron expression or "@every <d>"
	timeout time.Duration
	job     Job
	opt     engine.TaskOptions
	state   *engine.RunState
	entryID cron.EntryID
	spread  time.Duration
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	engine *engine.Service
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	defs   map[string]*scheduleDef

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

// TaskInfo is one registered task as shown by Snapshot.
type TaskInfo struct {
	Name    string           `json:"name"`
	Spec    string           `json:"spec"`
	Timeout time.Duration    `json:"timeout"`
	Spread  time.Duration    `json:"spread,omitempty"`
	Next    time.Time        `json:"next,omitzero"`
	Prev    time.Time        `json:"prev,omitzero"`
	Running bool             `json:"running"`
	Stats   engine.TaskStats `json:"stats"`
}

type Snapshot struct {
	Running  bool                 `json:"running"`
	Timezone string               `json:"timezone"`
	Tasks    []TaskInfo           `json:"tasks"`
	History  []engine.HistoryItem `json:"history"`
}
