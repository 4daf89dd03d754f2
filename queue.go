/*
Copyright 2024 Medtrace Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package medtrace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/medtrace/medtrace/config"
	redis_db "github.com/medtrace/medtrace/internal/redis-db"
)

// TaskFollowUp reconciles one record shortly after a provisional result.
const TaskFollowUp = "reconcile:follow_up"

const followUpCountLimit = 1000

// Queue enqueues follow-up reconciliation tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	queueName string
}

// FollowUpPayload names the record a follow-up task reconciles.
type FollowUpPayload struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	Attempt int    `json:"attempt"`
}

// RedisClientOpt converts the configured Redis address into asynq connection options.
func RedisClientOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Username:  redisOption.Username,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

func NewQueue(conf *config.Configuration) (*Queue, error) {
	queueOptions, err := RedisClientOpt(conf)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		queueName: conf.Queue.FollowUpQueue,
	}, nil
}

// EnqueueFollowUp schedules reconciliation of one record after delay. A record is queued
// at most once per attempt.
func (q *Queue) EnqueueFollowUp(ctx context.Context, p FollowUpPayload, delay time.Duration) error {
	ctx, span := tracer.Start(ctx, "Enqueue reconciliation follow-up")
	defer span.End()

	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskFollowUp, payload,
		asynq.TaskID(fmt.Sprintf("%s:%s:%d", p.Kind, p.ID, p.Attempt)),
		asynq.Queue(q.queueName),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(3),
	)
	info, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"kind": p.Kind, "id": p.ID, "task": info.ID}).Debug("enqueued reconciliation follow-up")
	return nil
}

// PendingFollowUps counts follow-up tasks still waiting to run, including those
// scheduled for later or awaiting a retry. Each state is counted up to followUpCountLimit.
func (q *Queue) PendingFollowUps() (int, error) {
	lists := []func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error){
		q.Inspector.ListPendingTasks,
		q.Inspector.ListScheduledTasks,
		q.Inspector.ListRetryTasks,
	}
	total := 0
	for _, list := range lists {
		tasks, err := list(q.queueName, asynq.PageSize(followUpCountLimit))
		if errors.Is(err, asynq.ErrQueueNotFound) {
			// Nothing was ever enqueued.
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		total += len(tasks)
	}
	return total, nil
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close queue inspector")
	}
	return q.Client.Close()
}

// HandleFollowUp is the asynq handler for TaskFollowUp.
func (m *Medtrace) HandleFollowUp(ctx context.Context, t *asynq.Task) error {
	var p FollowUpPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decoding follow-up payload: %v: %w", err, asynq.SkipRetry)
	}
	return m.ReconcileRecord(ctx, p.Kind, p.ID)
}
