package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"studysync-backend/internal/models"
)

const (
	BackupQueueName = "queue:chat-backup"

	defaultMaxAttempts = 3
	defaultLocalBuffer = 1024
	blpopTimeout       = 5 * time.Second
)

var ErrQueueFull = errors.New("backup queue is full")

// Sink is the durable destination of backup records.
type Sink interface {
	Write(ctx context.Context, rec models.BackupRecord) error
}

type backupJob struct {
	Record  models.BackupRecord `json:"record"`
	Attempt int                 `json:"attempt"`
}

type Options struct {
	Workers     int
	MaxAttempts int
	// Backoff is the base retry delay, doubled for every failed attempt.
	Backoff time.Duration
	Buffer  int
	// OnFailure is called once a record exhausted its attempts.
	OnFailure func(rec models.BackupRecord, err error)
}

// Pool writes chat backup records to a Sink. Records are queued either
// in-process or, when a Redis client is given, on the queue:chat-backup list
// so that any node can drain them.
type Pool struct {
	redis       *redis.Client
	local       chan backupJob
	sink        Sink
	workerCount int
	maxAttempts int
	backoff     time.Duration
	onFailure   func(rec models.BackupRecord, err error)

	mu       sync.Mutex
	stopped  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewPool(redisClient *redis.Client, sink Sink, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultLocalBuffer
	}

	p := &Pool{
		redis:       redisClient,
		sink:        sink,
		workerCount: opts.Workers,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		onFailure:   opts.OnFailure,
		stopChan:    make(chan struct{}),
	}
	if redisClient == nil {
		p.local = make(chan backupJob, opts.Buffer)
	}
	return p
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	mode := "local"
	if p.redis != nil {
		mode = "redis"
	}
	log.Printf("Started %d backup worker goroutines (%s queue)", p.workerCount, mode)
}

// Stop waits for the workers to finish. Records still queued in-process are
// written before it returns; pending retries are abandoned.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
}

// Enqueue implements services.BackupQueue.
func (p *Pool) Enqueue(ctx context.Context, rec models.BackupRecord) error {
	return p.push(ctx, backupJob{Record: rec})
}

func (p *Pool) push(ctx context.Context, job backupJob) error {
	if p.redis != nil {
		raw, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return p.redis.RPush(ctx, BackupQueueName, raw).Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fmt.Errorf("backup pool stopped")
	}
	select {
	case p.local <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	if p.redis == nil {
		for {
			select {
			case job := <-p.local:
				p.process(id, job)
			case <-p.stopChan:
				p.drain(id)
				log.Printf("Backup worker %d shutting down", id)
				return
			}
		}
	}

	for {
		select {
		case <-p.stopChan:
			log.Printf("Backup worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()
		result, err := p.redis.BLPop(ctx, blpopTimeout, BackupQueueName).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Printf("Backup worker %d: dequeue failed: %v", id, err)
				time.Sleep(time.Second)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var job backupJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			log.Printf("Backup worker %d: failed to parse job: %v", id, err)
			continue
		}
		p.process(id, job)
	}
}

func (p *Pool) drain(id int) {
	for {
		select {
		case job := <-p.local:
			p.process(id, job)
		default:
			return
		}
	}
}

func (p *Pool) process(id int, job backupJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.sink.Write(ctx, job.Record)
	if err == nil {
		return
	}

	job.Attempt++
	if job.Attempt < p.maxAttempts {
		backoff := p.backoff * time.Duration(1<<uint(job.Attempt-1))
		log.Printf("Backup worker %d: message %s failed (attempt %d): %v; retrying in %s",
			id, job.Record.MessageID, job.Attempt, err, backoff)
		p.scheduleRetry(job, backoff)
		return
	}

	log.Printf("Backup worker %d: message %s failed permanently: %v", id, job.Record.MessageID, err)
	if p.onFailure != nil {
		p.onFailure(job.Record, err)
	}
}

func (p *Pool) scheduleRetry(job backupJob, backoff time.Duration) {
	time.AfterFunc(backoff, func() {
		if err := p.push(context.Background(), job); err != nil {
			log.Printf("Backup requeue of message %s failed: %v", job.Record.MessageID, err)
			if p.onFailure != nil {
				p.onFailure(job.Record, err)
			}
		}
	})
}
