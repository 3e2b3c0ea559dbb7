package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/jingle_phone/pkg/logger"
	"github.com/arzzra/jingle_phone/pkg/metrics"
)

var (
	// ErrPoolClosed пул остановлен
	ErrPoolClosed = errors.New("пул обработчиков остановлен")
	// ErrQueueFull очередь партиции переполнена
	ErrQueueFull = errors.New("очередь партиции переполнена")
)

// Job единица работы пула
type Job func(ctx context.Context)

type partition struct {
	id    int
	queue chan Job
}

// Pool пул обработчиков с партиционированием по ключу.
//
// Ключ (sid сессии, bare JID) отображается на партицию через консистентное
// хэш-кольцо. Каждая партиция обслуживается одной горутиной, поэтому работа
// с одинаковым ключом выполняется последовательно, а разные ключи параллельно.
type Pool struct {
	nodes []string
	ring  *hashring.HashRing
	parts []*partition

	mu     sync.RWMutex
	closed bool

	submitted int64
	processed int64

	wg      sync.WaitGroup
	log     *logrus.Entry
	metrics *metrics.Collector
}

// NewPool создает пул из workers партиций с очередью queueSize
func NewPool(workers, queueSize int, log *logrus.Logger, m *metrics.Collector) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	p := &Pool{
		nodes:   make([]string, workers),
		parts:   make([]*partition, workers),
		log:     logger.WithComponent(log, "pool"),
		metrics: m,
	}
	for i := 0; i < workers; i++ {
		p.nodes[i] = "partition-" + strconv.Itoa(i)
		p.parts[i] = &partition{id: i, queue: make(chan Job, queueSize)}
	}
	p.ring = hashring.New(p.nodes)
	return p
}

// Start запускает горутины партиций. Они завершаются при отмене ctx или Stop.
func (p *Pool) Start(ctx context.Context) {
	for _, part := range p.parts {
		p.wg.Add(1)
		go p.run(ctx, part)
	}
}

func (p *Pool) run(ctx context.Context, part *partition) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-part.queue:
			if !ok {
				return
			}
			p.execute(ctx, part, job)
		}
	}
}

func (p *Pool) execute(ctx context.Context, part *partition, job Job) {
	defer func() {
		atomic.AddInt64(&p.processed, 1)
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{"partition": part.id, "panic": r}).Error("паника в обработчике")
		}
	}()
	job(ctx)
}

// partitionFor возвращает индекс партиции для ключа
func (p *Pool) partitionFor(key string) int {
	node, ok := p.ring.GetNode(key)
	if !ok {
		return 0
	}
	for i, n := range p.nodes {
		if n == node {
			return i
		}
	}
	return 0
}

// Submit ставит работу в очередь партиции ключа, не блокируясь
func (p *Pool) Submit(key string, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	idx := p.partitionFor(key)
	select {
	case p.parts[idx].queue <- job:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		p.metrics.PoolRejected()
		return fmt.Errorf("%w: партиция %d", ErrQueueFull, idx)
	}
}

// Stop закрывает очереди и дожидается завершения уже поставленной работы
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, part := range p.parts {
		close(part.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats возвращает количество поставленных и выполненных задач
func (p *Pool) Stats() (submitted, processed int64) {
	return atomic.LoadInt64(&p.submitted), atomic.LoadInt64(&p.processed)
}
