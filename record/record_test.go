/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package record

import (
	"testing"
	"time"
)

func TestChannelSinkEmitAndDrain(t *testing.T) {
	sink, err := NewChannelSink(4, "")
	if err != nil {
		t.Fatal(err)
	}
	want := &LogRecord{
		Timestamp: time.Unix(1000, 0),
		Message:   "hello 7",
		EventType: "log",
	}
	if err := sink.Emit(want); err != nil {
		t.Fatal(err)
	}
	sink.Close()

	got := <-sink.Records()
	if got.Message != "hello 7" {
		t.Fatalf("got %+v", got)
	}
}

func TestSinkFuncAdapter(t *testing.T) {
	var seen *LogRecord
	var s Sink = SinkFunc(func(r *LogRecord) error {
		seen = r
		return nil
	})
	rec := &LogRecord{Message: "x"}
	if err := s.Emit(rec); err != nil {
		t.Fatal(err)
	}
	if seen != rec {
		t.Fatal("expected SinkFunc to receive the same record")
	}
}
