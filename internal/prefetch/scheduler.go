package prefetch

// schedule starts dispatching right away when the scheduler is idle and
// otherwise funnels through the throttle so bursts of demand collapse into
// few passes.
func (m *Manager) schedule() {
	m.mu.Lock()
	idle := len(m.inFlight) == 0
	m.mu.Unlock()

	if idle {
		m.processQueue()
		return
	}
	m.throttle.trigger()
}

// processQueue dispatches queued tasks, highest lane first, until the
// concurrency bound is reached or every lane is empty.
func (m *Manager) processQueue() {
	for {
		m.mu.Lock()
		if m.closed || len(m.inFlight) >= m.opts.MaxConcurrentDownloads {
			m.mu.Unlock()
			return
		}
		t, p, ok := m.ledger.pop()
		if !ok {
			m.mu.Unlock()
			return
		}
		key := t.Key()
		if _, busy := m.inFlight[key]; busy {
			m.mu.Unlock()
			m.logger.Debug("prefetch: task already in flight, dropping duplicate", "key", key, "priority", p)
			continue
		}
		m.inFlight[key] = activeDownload{
			Started:  m.now(),
			Timeout:  m.opts.RequestTimeout,
			Priority: p,
		}
		m.wg.Add(1)
		m.mu.Unlock()

		m.logger.Debug("prefetch: dispatching", "key", key, "priority", p, "refs", t.RefCount)
		go m.run(t)
	}
}

func (m *Manager) run(t Task) {
	defer m.wg.Done()

	m.execute(t)

	m.mu.Lock()
	delete(m.inFlight, t.Key())
	m.mu.Unlock()

	m.schedule()
}
