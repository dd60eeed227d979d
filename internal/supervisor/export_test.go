package supervisor

// Args exposes args to the external supervisor_test package.
func (s *Supervisor) Args() []string { return s.args() }
