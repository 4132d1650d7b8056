package fifo

import "testing"

func TestFifoWrite(t *testing.T) {
	fifo := NewFifo(100)
	res := fifo.Write([]byte{1, 2, 3, 4, 5}, nil)
	if res != 5 {
		t.Errorf("Written only %v", res)
	}
	if fifo.writePos != 5 {
		t.Errorf("Write position is %v", fifo.writePos)
	}
	res = fifo.Write(make([]byte, 500), nil)
	if res != 94 {
		t.Errorf("Wrote %v", res)
	}
	res = fifo.Write([]byte{1}, nil)
	if res != 0 {
		t.Error()
	}
	// Free up some space by reading then re writing
	fifo.Read(make([]byte, 10))
	res = fifo.Write(make([]byte, 10), nil)
	if res != 10 {
		t.Error()
	}
}

func TestFifoRead(t *testing.T) {
	fifo := NewFifo(10)
	fifo.Write([]byte{1, 2, 3}, nil)
	buf := make([]byte, 5)
	res := fifo.Read(buf)
	if res != 3 {
		t.Errorf("Read %v", res)
	}
	if buf[0] != 1 || buf[2] != 3 {
		t.Errorf("Got %v", buf)
	}
	if fifo.Occupied() != 0 {
		t.Error()
	}
}

func TestFifoAltReadRollback(t *testing.T) {
	fifo := NewFifo(20)
	fifo.Write([]byte{1, 2, 3, 4}, nil)
	buf := make([]byte, 2)
	res := fifo.AltRead(buf)
	if res != 2 {
		t.Errorf("Alt read %v", res)
	}
	if fifo.AltOccupied() != 2 {
		t.Errorf("Alt occupied %v", fifo.AltOccupied())
	}
	fifo.AltRollback()
	if fifo.Occupied() != 4 {
		t.Error()
	}
	// Same bytes come back after a rollback
	fifo.AltRead(buf)
	if buf[0] != 1 || buf[1] != 2 {
		t.Errorf("Got %v", buf)
	}
	fifo.AltCommit()
	if fifo.Occupied() != 2 {
		t.Error()
	}
}
