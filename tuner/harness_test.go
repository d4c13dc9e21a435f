package tuner

// In-memory fakes of the dnn collaborator contracts, shared by the picker and
// rewriter tests. They record enough of the interaction (allocation lifetime,
// retry flags, enumeration arguments, launch order) for the tests to assert
// on the protocol, not just on the final pick.

import (
	"github.com/gomlx/convtuner/dnn"
	"github.com/gomlx/convtuner/hlo"
	"github.com/gomlx/convtuner/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

type fakeBuffer struct {
	id   int
	size int64
}

type fakeAllocator struct {
	nextID        int
	live          map[*fakeBuffer]bool
	allocations   int
	retryRequests []bool
	failAll       bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{live: map[*fakeBuffer]bool{}}
}

func (a *fakeAllocator) Allocate(deviceOrdinal int, byteSize int64, retryOnFailure bool) (dnn.Buffer, error) {
	a.retryRequests = append(a.retryRequests, retryOnFailure)
	if a.failAll {
		return nil, errors.Errorf("out of memory allocating %d bytes on device %d", byteSize, deviceOrdinal)
	}
	a.nextID++
	a.allocations++
	buf := &fakeBuffer{id: a.nextID, size: byteSize}
	a.live[buf] = true
	return buf, nil
}

func (a *fakeAllocator) Deallocate(deviceOrdinal int, buf dnn.Buffer) error {
	fb, ok := buf.(*fakeBuffer)
	if !ok || !a.live[fb] {
		return errors.New("deallocating an unknown buffer")
	}
	delete(a.live, fb)
	return nil
}

func (a *fakeAllocator) liveBuffers() int { return len(a.live) }

type fakeStream struct {
	fills, zeros int
	syncs        int
	closed       bool
}

func (s *fakeStream) MemZero(buf dnn.Buffer, byteSize int64) error {
	s.zeros++
	return nil
}

func (s *fakeStream) Fill(buf dnn.Buffer, pattern []byte, byteSize int64) error {
	if len(pattern) == 0 || byteSize%int64(len(pattern)) != 0 {
		return errors.Errorf("fill of %d bytes with pattern of %d bytes", byteSize, len(pattern))
	}
	s.fills++
	return nil
}

func (s *fakeStream) BlockUntilDone() error {
	s.syncs++
	return nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeExecutor struct {
	platform string
	ordinal  int

	version      dnn.Version
	versionErr   error
	algorithms   []dnn.Algorithm
	algorithmErr error

	// Recorded enumeration arguments.
	enumeratedKinds    []dnn.ConvKind
	enumeratedWinograd []bool

	streams   []*fakeStream
	streamErr error

	// Direct device allocations (the fallback path when no DeviceAllocator
	// is configured).
	direct *fakeAllocator
}

func newFakeExecutor(algorithms ...dnn.Algorithm) *fakeExecutor {
	return &fakeExecutor{
		platform:   "cuda",
		ordinal:    0,
		version:    dnn.Version{Major: 7, Minor: 1},
		algorithms: algorithms,
		direct:     newFakeAllocator(),
	}
}

func (e *fakeExecutor) Platform() string   { return e.platform }
func (e *fakeExecutor) DeviceOrdinal() int { return e.ordinal }

func (e *fakeExecutor) Version() (dnn.Version, error) {
	if e.versionErr != nil {
		return dnn.Version{}, e.versionErr
	}
	return e.version, nil
}

func (e *fakeExecutor) ConvAlgorithms(kind dnn.ConvKind, includeWinogradNonfused bool) ([]dnn.Algorithm, error) {
	e.enumeratedKinds = append(e.enumeratedKinds, kind)
	e.enumeratedWinograd = append(e.enumeratedWinograd, includeWinogradNonfused)
	if e.algorithmErr != nil {
		return nil, e.algorithmErr
	}
	return e.algorithms, nil
}

func (e *fakeExecutor) NewStream() (dnn.Stream, error) {
	if e.streamErr != nil {
		return nil, e.streamErr
	}
	stream := &fakeStream{}
	e.streams = append(e.streams, stream)
	return stream, nil
}

func (e *fakeExecutor) Allocate(byteSize int64) (dnn.Buffer, error) {
	return e.direct.Allocate(e.ordinal, byteSize, false)
}

func (e *fakeExecutor) Deallocate(buf dnn.Buffer) error {
	return e.direct.Deallocate(e.ordinal, buf)
}

// trialOutcome scripts the behavior of the fake runner for one algorithm.
type trialOutcome struct {
	scratchBytes int64 // requested from the trial's scratch allocator before running
	launchErr    error
	profile      dnn.ProfileResult // Algorithm field is filled in by the runner
}

type fakeRunner struct {
	outcomes map[dnn.Algorithm]trialOutcome

	launches   []dnn.Algorithm
	lastParams dnn.ConvParams
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outcomes: map[dnn.Algorithm]trialOutcome{}}
}

func (r *fakeRunner) Run(params *dnn.ConvParams, config dnn.AlgorithmConfig,
	scratch dnn.ScratchAllocator, stream dnn.Stream, profile *dnn.ProfileResult) error {
	r.launches = append(r.launches, config.Algorithm)
	r.lastParams = *params
	outcome, found := r.outcomes[config.Algorithm]
	if !found {
		return errors.Errorf("no outcome scripted for algorithm %s", config.Algorithm)
	}
	if outcome.scratchBytes > 0 {
		if _, err := scratch.AllocateBytes(outcome.scratchBytes); err != nil {
			return err
		}
	}
	if outcome.launchErr != nil {
		return outcome.launchErr
	}
	*profile = outcome.profile
	profile.Algorithm = config.Algorithm
	return nil
}

type fakeComparatorFactory struct {
	createErr  error
	equal      bool
	compareErr error

	created   int
	compares  int
	reference dnn.Buffer
}

func (f *fakeComparatorFactory) Create(reference dnn.Buffer, stream dnn.Stream) (dnn.Comparator, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	f.reference = reference
	return &fakeComparator{factory: f}, nil
}

type fakeComparator struct {
	factory *fakeComparatorFactory
}

func (c *fakeComparator) CompareEqual(buf dnn.Buffer) (bool, error) {
	c.factory.compares++
	if c.factory.compareErr != nil {
		return false, c.factory.compareErr
	}
	return c.factory.equal, nil
}

// convTestModule builds a module with a single convolution custom call of the
// given target: tuple(result, uint8[0]) = custom-call(lhs, rhs).
func convTestModule(dtype dtypes.DType, target string) (*hlo.Module, *hlo.Instruction) {
	module := hlo.NewModule("test")
	computation := module.NewComputation("entry")
	lhs := computation.AddInstruction(hlo.NewParameter("lhs", shapes.Make(dtype, 8, 32, 28, 28)))
	rhs := computation.AddInstruction(hlo.NewParameter("rhs", shapes.Make(dtype, 64, 32, 3, 3)))
	resultShape := shapes.Make(dtype, 8, 64, 26, 26)
	conv := computation.AddInstruction(hlo.NewCustomCall(
		shapes.MakeTuple(resultShape, shapes.Make(dtypes.Uint8, 0)),
		[]*hlo.Instruction{lhs, rhs}, target))
	conv.SetWindow(dnn.Window{Dimensions: []dnn.WindowDimension{
		{Size: 3, Stride: 1, BaseDilation: 1, WindowDilation: 1},
		{Size: 3, Stride: 1, BaseDilation: 1, WindowDilation: 1},
	}})
	conv.SetConvAxes(dnn.ConvAxes{
		InputBatch: 0, InputChannels: 1, InputSpatial: []int{2, 3},
		KernelOutputChannels: 0, KernelInputChannels: 1, KernelSpatial: []int{2, 3},
		OutputBatch: 0, OutputChannels: 1, OutputSpatial: []int{2, 3},
	})
	return module, conv
}
