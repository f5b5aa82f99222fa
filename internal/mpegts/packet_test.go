package mpegts

import (
	"errors"
	"testing"
)

func makePacket(pid uint16, cc uint8, start bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | cc&0x0F
	if start {
		buf[1] |= 0x40
	}
	copy(buf[4:], payload)
	return buf
}

func TestParsePacket(t *testing.T) {
	t.Parallel()
	p, err := ParsePacket(makePacket(0x100, 5, true, []byte{1, 2, 3}))
	if err != nil {
		t.Fatal(err)
	}
	if p.PID != 0x100 {
		t.Errorf("PID = %#x, want 0x100", p.PID)
	}
	if p.CC != 5 {
		t.Errorf("CC = %d, want 5", p.CC)
	}
	if !p.Start || !p.HasPayload {
		t.Errorf("Start=%v HasPayload=%v, want both true", p.Start, p.HasPayload)
	}
	if len(p.Payload) != 184 || p.Payload[2] != 3 {
		t.Errorf("payload = %d bytes with [2]=%d, want 184 with [2]=3", len(p.Payload), p.Payload[2])
	}
}

func TestParsePacket_AdaptationField(t *testing.T) {
	t.Parallel()
	buf := makePacket(0x101, 0, false, nil)
	buf[3] = 0x30
	buf[4] = 10
	buf[5] = 0x80 // discontinuity
	buf[15] = 0xAB

	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Discontinuity {
		t.Error("Discontinuity = false, want true")
	}
	if len(p.Payload) != 173 || p.Payload[0] != 0xAB {
		t.Errorf("payload = %d bytes starting %#x, want 173 starting 0xab", len(p.Payload), p.Payload[0])
	}
}

func TestParsePacket_AdaptationOnly(t *testing.T) {
	t.Parallel()
	buf := makePacket(0x101, 0, false, nil)
	buf[3] = 0x20
	buf[4] = 183

	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if p.HasPayload || p.Payload != nil {
		t.Errorf("HasPayload=%v payload=%d bytes, want none", p.HasPayload, len(p.Payload))
	}
}

func TestParsePacket_Errors(t *testing.T) {
	t.Parallel()
	if _, err := ParsePacket(make([]byte, 100)); err == nil {
		t.Error("short packet: want error")
	}
	buf := makePacket(0x100, 0, false, nil)
	buf[0] = 0x48
	if _, err := ParsePacket(buf); !errors.Is(err, ErrSync) {
		t.Errorf("bad sync: err = %v, want ErrSync", err)
	}
}

func TestParsePacket_CopiesPayload(t *testing.T) {
	t.Parallel()
	buf := makePacket(0x100, 0, false, []byte{7})
	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	buf[4] = 9
	if p.Payload[0] != 7 {
		t.Errorf("payload aliases input buffer: got %d, want 7", p.Payload[0])
	}
}

func FuzzParsePacket(f *testing.F) {
	f.Add(makePacket(0x100, 0, true, []byte{0, 0, 1, 0xE0}))
	af := makePacket(0x101, 3, false, nil)
	af[3] = 0x30
	af[4] = 200
	f.Add(af)

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) != PacketSize {
			return
		}
		p, err := ParsePacket(data)
		if err != nil {
			return
		}
		if len(p.Payload) > PacketSize-4 {
			t.Fatalf("payload of %d bytes exceeds packet body", len(p.Payload))
		}
	})
}
