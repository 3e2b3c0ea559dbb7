package bridge

import (
	"fmt"
	"sync"
)

// portPool выделяет четные RTP порты из диапазона, нечетный сосед остается для RTCP
type portPool struct {
	min, max int

	mu   sync.Mutex
	used map[int]bool
	next int
}

func newPortPool(min, max int) (*portPool, error) {
	if min <= 0 || max <= 0 || max > 65535 {
		return nil, fmt.Errorf("некорректный диапазон портов: %d-%d", min, max)
	}
	if min >= max {
		return nil, fmt.Errorf("минимальный порт должен быть меньше максимального: %d >= %d", min, max)
	}
	if min%2 != 0 {
		min++
	}
	return &portPool{min: min, max: max, used: make(map[int]bool), next: min}, nil
}

// allocate возвращает следующий свободный четный порт по кругу
func (p *portPool) allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.next
	for {
		port := p.next
		p.next += 2
		if p.next+1 > p.max {
			p.next = p.min
		}
		if !p.used[port] {
			p.used[port] = true
			return port, nil
		}
		if p.next == start {
			return 0, fmt.Errorf("все порты в диапазоне %d-%d заняты", p.min, p.max)
		}
	}
}

func (p *portPool) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

func (p *portPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
