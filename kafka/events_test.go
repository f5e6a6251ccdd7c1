package kafka

import "testing"

func TestParseEvent(t *testing.T) {
	payload := []byte(`{
		"EventName": "s3:ObjectCreated:Put",
		"Records": [{
			"eventName": "s3:ObjectCreated:Put",
			"s3": {
				"bucket": {"name": "rastermill-incoming"},
				"object": {"key": "weather-models%2Fgfs%2FGR--20250115T0600--gfs_025.grib2", "size": 1024}
			}
		}]
	}`)
	events, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("parsing event: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Bucket != "rastermill-incoming" {
		t.Fatalf("wrong bucket: %v", e.Bucket)
	}
	if e.Key != "weather-models/gfs/GR--20250115T0600--gfs_025.grib2" {
		t.Fatalf("key not unescaped: %v", e.Key)
	}
	if e.Size != 1024 {
		t.Fatalf("wrong size: %v", e.Size)
	}
}

func TestParseEventSkipsRemovals(t *testing.T) {
	payload := []byte(`{
		"Records": [{
			"eventName": "s3:ObjectRemoved:Delete",
			"s3": {
				"bucket": {"name": "rastermill-incoming"},
				"object": {"key": "some%2Fkey", "size": 0}
			}
		}]
	}`)
	events, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("parsing event: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("removal events must be dropped, got %d", len(events))
	}
}

func TestParseEventBadJSON(t *testing.T) {
	if _, err := ParseEvent([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
