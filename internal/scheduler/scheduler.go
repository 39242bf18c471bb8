// Package scheduler отслеживает правила, затронутые изменениями каталога,
// и выдаёт их ограниченными порциями на пересчёт.
package scheduler

import "sync"

// Scheduler хранит множество «грязных» правил в порядке поступления (FIFO).
// Повторная пометка уже стоящего в очереди правила не создаёт дубликата;
// пометка правила, выданного в обработку, ставит его в очередь заново —
// изменения, пришедшие во время обработки, не теряются.
type Scheduler struct {
	mu    sync.Mutex
	dirty map[int64]struct{}
	queue []int64
}

// New создаёт пустой планировщик пересчёта.
func New() *Scheduler {
	return &Scheduler{
		dirty: make(map[int64]struct{}),
	}
}

// MarkDirty помечает правила как требующие пересчёта.
func (s *Scheduler) MarkDirty(ruleIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ruleIDs {
		if _, ok := s.dirty[id]; ok {
			continue
		}
		s.dirty[id] = struct{}{}
		s.queue = append(s.queue, id)
	}
}

// DrainDirty снимает до batchSize правил с начала очереди и сбрасывает их
// флаг. Порядок выдачи — порядок поступления пометок.
func (s *Scheduler) DrainDirty(batchSize int) []int64 {
	if batchSize <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := batchSize
	if n > len(s.queue) {
		n = len(s.queue)
	}
	if n == 0 {
		return nil
	}

	batch := make([]int64, n)
	copy(batch, s.queue[:n])
	s.queue = append(s.queue[:0], s.queue[n:]...)

	for _, id := range batch {
		delete(s.dirty, id)
	}

	return batch
}

// Pending возвращает число правил, ожидающих пересчёта.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
