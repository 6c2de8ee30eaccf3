// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buffer bytes.Buffer

	command := CommandBody{
		CommandID: "b5c7f3a0-0000-4000-8000-000000000001",
		Kind:      CommandKindExec,
		Exec:      &ExecRequest{Command: "uname -a", TimeoutSecs: 30},
	}
	if err := WriteFrame(&buffer, FrameCommand, command); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	frame, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != FrameCommand {
		t.Fatalf("frame type = %v, want %v", frame.Type, FrameCommand)
	}

	var decoded CommandBody
	if err := DecodeBody(frame, &decoded); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if decoded.CommandID != command.CommandID || decoded.Kind != command.Kind {
		t.Errorf("decoded = %+v, want %+v", decoded, command)
	}
	if decoded.Exec == nil || decoded.Exec.Command != "uname -a" || decoded.Exec.TimeoutSecs != 30 {
		t.Errorf("exec payload = %+v", decoded.Exec)
	}
}

func TestEmptyBodyFrames(t *testing.T) {
	var buffer bytes.Buffer

	for _, frameType := range []FrameType{FrameHeartbeat, FrameHeartbeatAck, FrameClose} {
		if err := WriteFrame(&buffer, frameType, nil); err != nil {
			t.Fatalf("WriteFrame(%v): %v", frameType, err)
		}
	}
	for _, want := range []FrameType{FrameHeartbeat, FrameHeartbeatAck, FrameClose} {
		frame, err := ReadFrame(&buffer)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if frame.Type != want {
			t.Errorf("frame type = %v, want %v", frame.Type, want)
		}
		if len(frame.Body) != 0 {
			t.Errorf("%v body = %d bytes, want empty", want, len(frame.Body))
		}
	}
}

// Large compressible bodies ship compressed; the reader is unaware of
// the difference.
func TestCompressionRoundTrip(t *testing.T) {
	var buffer bytes.Buffer

	// Highly repetitive stdout compresses far below its raw size.
	result := ResponseBody{
		CommandID: "cmd-compress",
		Status:    ResponseStatusSuccess,
		Exec: &ExecResult{
			Stdout: strings.Repeat("all work and no play makes a dull node\n", 4000),
		},
	}
	if err := WriteFrame(&buffer, FrameResponse, result); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	rawLength := len(result.Exec.Stdout)
	if buffer.Len() >= rawLength {
		t.Errorf("wire length %d not smaller than payload %d; compression did not engage", buffer.Len(), rawLength)
	}

	frame, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var decoded ResponseBody
	if err := DecodeBody(frame, &decoded); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if decoded.Exec == nil || decoded.Exec.Stdout != result.Exec.Stdout {
		t.Error("compressed body did not round trip")
	}
}

// Small bodies skip compression entirely.
func TestSmallBodyUncompressed(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, FramePair, PairBody{Code: "482913", NodeName: "n"}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := buffer.Bytes()[1]; got != compressionNone {
		t.Errorf("compression tag = %d, want none", got)
	}
}

func TestReadRejectsUnknownType(t *testing.T) {
	var buffer bytes.Buffer
	buffer.Write([]byte{0x7f, 0, 0, 0, 0, 0})

	_, err := ReadFrame(&buffer)
	if !errors.Is(err, ErrUnknownFrameType) {
		t.Fatalf("ReadFrame = %v, want ErrUnknownFrameType", err)
	}
}

func TestReadRejectsOversizedBody(t *testing.T) {
	var header [headerLength]byte
	header[0] = byte(FrameCommand)
	binary.BigEndian.PutUint32(header[2:6], MaxBodyLength+1)

	_, err := ReadFrame(bytes.NewReader(header[:]))
	if !errors.Is(err, ErrOversizedFrame) {
		t.Fatalf("ReadFrame = %v, want ErrOversizedFrame", err)
	}
}

func TestReadRejectsUnknownCompressionTag(t *testing.T) {
	var buffer bytes.Buffer
	buffer.Write([]byte{byte(FrameHeartbeat), 0x9, 0, 0, 0, 0})

	if _, err := ReadFrame(&buffer); err == nil {
		t.Fatal("ReadFrame accepted an unknown compression tag")
	}
}

func TestReadTruncatedBody(t *testing.T) {
	var full bytes.Buffer
	if err := WriteFrame(&full, FramePair, PairBody{Code: "123456", NodeName: "n"}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	truncated := full.Bytes()[:full.Len()-2]
	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Fatal("ReadFrame accepted a truncated frame")
	}
}
