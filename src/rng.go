package advflow

// RandomState is an opaque snapshot of a random source. Capturing it before
// a run and restoring it later reproduces the exact same random perturbation
// initialization across repeated experiments.
type RandomState struct {
	State uint64 `json:"state"`
}

// randomSource is a splitmix64 generator implementing rand.Source64. Unlike
// the default source its full state is one word, so it can be snapshotted
// and restored exactly.
type randomSource struct {
	state uint64
}

func newRandomSource(seed int64) *randomSource {
	return &randomSource{state: uint64(seed)}
}

func (s *randomSource) Uint64() uint64 {
	s.state += 0x9e3779b97f4a7c15
	z := s.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (s *randomSource) Int63() int64 {
	return int64(s.Uint64() >> 1)
}

func (s *randomSource) Seed(seed int64) {
	s.state = uint64(seed)
}

func (s *randomSource) snapshot() RandomState {
	return RandomState{State: s.state}
}

func (s *randomSource) restore(st RandomState) {
	s.state = st.State
}
