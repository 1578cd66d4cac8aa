package backend

// Command is a single deferred backend operation. Commands are plain
// data produced by task generators and executed by a Backend in
// submission order. The command set is closed: backends switch on the
// concrete types below and reject anything else.
type Command interface {
	isCommand()
}

// Dispatch executes a compute pipeline over a grid of workgroups.
type Dispatch struct {
	// Label is an optional debug label for the dispatch.
	Label string

	// Pipeline is the compute pipeline to run.
	Pipeline ComputePipelineID

	// BindGroup binds the pipeline's resources at group 0.
	BindGroup BindGroupID

	// Groups is the number of workgroups in each dimension.
	Groups [3]uint32
}

// WriteBuffer uploads CPU data into a buffer before subsequent commands
// in the same submission run.
type WriteBuffer struct {
	Buffer BufferID
	Offset uint64
	Data   []byte
}

// CopyBuffer copies a byte range between two buffers.
type CopyBuffer struct {
	Src       BufferID
	Dst       BufferID
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// ClearBuffer zero-fills a byte range of a buffer. A Size of 0 clears
// from Offset to the end of the buffer.
type ClearBuffer struct {
	Buffer BufferID
	Offset uint64
	Size   uint64
}

// Barrier is an explicit ordering marker. All commands before the
// barrier complete, as observed by the device, before any command after
// it starts. The scheduler inserts one barrier between the command runs
// of consecutive tasks in a batch.
type Barrier struct{}

func (Dispatch) isCommand()    {}
func (WriteBuffer) isCommand() {}
func (CopyBuffer) isCommand()  {}
func (ClearBuffer) isCommand() {}
func (Barrier) isCommand()     {}
