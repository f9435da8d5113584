package fdp

import (
	"testing"
	"time"

	"github.com/rofi-net/rofinet/internal/logger"
	"github.com/rofi-net/rofinet/internal/partition/memory"
)

// chainNode is one module in a three-module chain, each with its own
// engine and a fixed iface numbering: 0 is loopback, 1 faces the chain's
// "left" neighbor, 2 (if present) faces the "right" one.
type chainNode struct {
	eng  *Engine
	part *memory.Partition
}

// chainIfaces reports a fixed two-connector (or one-connector, for the
// chain's ends) handle set.
type chainIfaces struct{ handles []int }

func (f *chainIfaces) Handles() []int        { return f.handles }
func (f *chainIfaces) IsLoopback(i int) bool { return i == 0 }

type chainFrame struct {
	toNode int // index into the chain: 0=source, 1=mid, 2=far
	iface  int
	frame  Frame
}

// pumpChain drives the three-module chain (source—mid—far, ifaces 1/2 as
// described above) to a fixed point, feeding each produced Transmission
// to whichever neighbor sits on the other end of the link it names.
func pumpChain(t *testing.T, nodes [3]*chainNode, queue []chainFrame) {
	t.Helper()
	// link table: (node, iface) -> (peer node, peer iface)
	type endpoint struct{ node, iface int }
	peer := map[endpoint]endpoint{
		{0, 1}: {1, 1}, {1, 1}: {0, 1},
		{1, 2}: {2, 1}, {2, 1}: {1, 2},
	}

	for i := 0; i < 1000 && len(queue) > 0; i++ {
		cf := queue[0]
		queue = queue[1:]

		raw, err := Encode(cf.frame)
		if err != nil {
			t.Fatal(err)
		}
		txs, err := nodes[cf.toNode].eng.HandlePacket(cf.iface, raw)
		if err != nil {
			t.Fatal(err)
		}
		for _, tx := range txs {
			dst, ok := peer[endpoint{cf.toNode, tx.Iface}]
			if !ok {
				continue
			}
			queue = append(queue, chainFrame{toNode: dst.node, iface: dst.iface, frame: tx.Frame})
		}
	}
	if len(queue) > 0 {
		t.Fatalf("chain did not settle within the iteration budget")
	}
}

// S5: firmware update, happy path. Source holds fw (type=1, ver=6,
// chunks=4, chunk_size=1024, size=4096); mid and far run ver=5. After
// periodic announces drive the pull, both mid and far acquire every
// chunk and commit.
func TestThreeModuleChainFirmwareUpdateCompletes(t *testing.T) {
	const chunkSize = 1024
	const fwSize = 4096
	content := make([]byte, fwSize)
	for i := range content {
		content[i] = byte(i)
	}

	sourcePart := memory.New(fwSize)
	sourcePart.Write(0, content)
	source := &chainNode{part: sourcePart, eng: New(
		RunningFirmware{Type: 1, Version: 6, Size: fwSize, Partition: sourcePart},
		memory.New(fwSize),
		Config{ChunkSize: chunkSize, AnnouncePeriod: time.Second, ProgressCheckPeriod: 2 * time.Second, InFlightExpiry: 30 * time.Second, StoreCapacity: 8},
		&chainIfaces{handles: []int{0, 1}},
		logger.New("error"),
	)}

	midPart := memory.New(fwSize)
	mid := &chainNode{part: midPart, eng: New(
		RunningFirmware{Type: 1, Version: 5, Size: fwSize, Partition: memory.New(fwSize)},
		midPart,
		Config{ChunkSize: chunkSize, AnnouncePeriod: time.Second, ProgressCheckPeriod: 2 * time.Second, InFlightExpiry: 30 * time.Second, StoreCapacity: 8},
		&chainIfaces{handles: []int{0, 1, 2}},
		logger.New("error"),
	)}

	farPart := memory.New(fwSize)
	far := &chainNode{part: farPart, eng: New(
		RunningFirmware{Type: 1, Version: 5, Size: fwSize, Partition: memory.New(fwSize)},
		farPart,
		Config{ChunkSize: chunkSize, AnnouncePeriod: time.Second, ProgressCheckPeriod: 2 * time.Second, InFlightExpiry: 30 * time.Second, StoreCapacity: 8},
		&chainIfaces{handles: []int{0, 1}},
		logger.New("error"),
	)}

	nodes := [3]*chainNode{source, mid, far}

	now := time.Now()
	txs, _ := source.eng.Tick(now)
	var queue []chainFrame
	for _, tx := range txs {
		queue = append(queue, chainFrame{toNode: 1, iface: 1, frame: tx.Frame})
	}
	pumpChain(t, nodes, queue)

	// One round only pulls mid up to date and lets it propagate the
	// announce onward; a second announce cycle lets far catch up too.
	now = now.Add(2 * time.Second)
	txs, _ = source.eng.Tick(now)
	queue = nil
	for _, tx := range txs {
		queue = append(queue, chainFrame{toNode: 1, iface: 1, frame: tx.Frame})
	}
	pumpChain(t, nodes, queue)

	if ongoing, has := mid.eng.Ongoing(); has {
		t.Fatalf("expected mid's update to have committed, still ongoing: %+v", ongoing)
	}
	if ongoing, has := far.eng.Ongoing(); has {
		t.Fatalf("expected far's update to have committed, still ongoing: %+v", ongoing)
	}

	got := make([]byte, fwSize)
	mid.part.Read(0, got)
	for i := range content {
		if got[i] != content[i] {
			t.Fatalf("mid's committed image diverges at byte %d", i)
		}
	}
	got = make([]byte, fwSize)
	far.part.Read(0, got)
	for i := range content {
		if got[i] != content[i] {
			t.Fatalf("far's committed image diverges at byte %d", i)
		}
	}
}
