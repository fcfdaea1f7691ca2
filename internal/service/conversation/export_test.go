package conversation

// TrackedMeters reports how many users currently hold a meter.
func (s *Service) TrackedMeters() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.meters)
}
