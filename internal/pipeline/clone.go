package pipeline

// Clone returns a deep copy of the pipeline, including its spaces.
func (p *Pipeline) Clone() *Pipeline {
	cp := *p
	cp.StageOutputs = make(map[int]*StageOutput, len(p.StageOutputs))
	for k, o := range p.StageOutputs {
		cp.StageOutputs[k] = o.Clone()
	}
	cp.RetryState = make(map[int]*RetryRecord, len(p.RetryState))
	for k, r := range p.RetryState {
		rc := *r
		if r.StaleSince != nil {
			t := *r.StaleSince
			rc.StaleSince = &t
		}
		cp.RetryState[k] = &rc
	}
	cp.Spaces = make([]*Space, len(p.Spaces))
	for i, s := range p.Spaces {
		cp.Spaces[i] = s.Clone()
	}
	return &cp
}

// Clone returns a deep copy of the output.
func (o *StageOutput) Clone() *StageOutput {
	if o == nil {
		return nil
	}
	cp := *o
	cp.RejectionHistory = append([]Rejection(nil), o.RejectionHistory...)
	if o.ApprovedAt != nil {
		t := *o.ApprovedAt
		cp.ApprovedAt = &t
	}
	return &cp
}

// Clone returns a deep copy of the space.
func (s *Space) Clone() *Space {
	cp := *s
	for _, a := range []*Asset{&cp.RenderA, &cp.RenderB, &cp.PanoramaA, &cp.PanoramaB, &cp.Final360} {
		a.RejectionHistory = append([]Rejection(nil), a.RejectionHistory...)
		if a.DispatchedAt != nil {
			t := *a.DispatchedAt
			a.DispatchedAt = &t
		}
	}
	return &cp
}
