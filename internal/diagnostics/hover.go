package diagnostics

// Covers reports whether r contains the 0-based editor position.
//
// A zero-width range matches on its line when the column is within one of
// the range column. Other ranges match from start to end inclusive; for
// ranges spanning lines the columns only bound the first and last line.
func (r Range) Covers(pos Position) bool {
	line := int(pos.Line) + 1
	col := int(pos.Character)

	if r.ZeroWidth() {
		if line != r.StartLine {
			return false
		}
		d := col - r.StartColumn
		return d >= -1 && d <= 1
	}

	endLine := r.EndLine
	if endLine == 0 {
		endLine = r.StartLine
	}
	if line < r.StartLine || line > endLine {
		return false
	}
	if endLine == r.StartLine {
		return r.EndColumn > r.StartColumn && col >= r.StartColumn && col <= r.EndColumn
	}
	switch line {
	case r.StartLine:
		return col >= r.StartColumn
	case endLine:
		return col <= r.EndColumn
	}
	return true
}

// Lookup returns the cached findings of id that cover pos.
func (s *Store) Lookup(id Identity, pos Position) []Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id.Key()]
	if !ok {
		return nil
	}
	var out []Finding
	for _, f := range e.record.Findings {
		for _, r := range f.Ranges {
			if r.Covers(pos) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// Hover returns the remediation texts of the findings at pos.
func (s *Store) Hover(id Identity, pos Position) []string {
	var out []string
	for _, f := range s.Lookup(id, pos) {
		if f.Mitigation != "" {
			out = append(out, f.Mitigation)
		}
	}
	return out
}
