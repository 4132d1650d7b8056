package fifo

import "github.com/samsamfire/goduet/internal/crc"

// Circular byte fifo used for staging outbound transfer data.
// The alternate read pointer allows draining a full cycle worth of
// bytes tentatively and rolling back if the exchange fails.
type Fifo struct {
	buffer     []byte
	writePos   int
	readPos    int
	altReadPos int
}

func NewFifo(size int) *Fifo {
	return &Fifo{buffer: make([]byte, size)}
}

func (f *Fifo) Reset() {
	f.readPos = 0
	f.writePos = 0
	f.altReadPos = 0
}

func (f *Fifo) Space() int {
	sizeLeft := f.readPos - f.writePos - 1
	if sizeLeft < 0 {
		sizeLeft += len(f.buffer)
	}
	return sizeLeft
}

func (f *Fifo) Occupied() int {
	sizeOccupied := f.writePos - f.readPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}

// Write data to fifo, optionally updating a running CRC.
// Returns the number of bytes actually written.
func (f *Fifo) Write(buffer []byte, crc *crc.CRC16) int {
	writeCounter := 0
	for _, element := range buffer {
		writePosNext := f.writePos + 1
		if writePosNext == f.readPos || (writePosNext == len(f.buffer) && f.readPos == 0) {
			break
		}
		f.buffer[f.writePos] = element
		writeCounter++
		if crc != nil {
			crc.Single(element)
		}
		if writePosNext == len(f.buffer) {
			f.writePos = 0
		} else {
			f.writePos++
		}
	}
	return writeCounter
}

// Read data from fifo and return number of bytes read
func (f *Fifo) Read(buffer []byte) int {
	readCounter := 0
	for index := range buffer {
		if f.readPos == f.writePos {
			break
		}
		buffer[index] = f.buffer[f.readPos]
		readCounter++
		f.readPos++
		if f.readPos == len(f.buffer) {
			f.readPos = 0
		}
	}
	f.altReadPos = f.readPos
	return readCounter
}

// AltRead reads without committing the read pointer. A subsequent
// AltCommit makes the reads permanent, AltRollback undoes them.
func (f *Fifo) AltRead(buffer []byte) int {
	readCounter := 0
	for index := range buffer {
		if f.altReadPos == f.writePos {
			break
		}
		buffer[index] = f.buffer[f.altReadPos]
		readCounter++
		f.altReadPos++
		if f.altReadPos == len(f.buffer) {
			f.altReadPos = 0
		}
	}
	return readCounter
}

func (f *Fifo) AltCommit() {
	f.readPos = f.altReadPos
}

func (f *Fifo) AltRollback() {
	f.altReadPos = f.readPos
}

func (f *Fifo) AltOccupied() int {
	sizeOccupied := f.writePos - f.altReadPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}
