package sandbox

import "testing"

func TestBuildResult_MissingArtifactsExitZero(t *testing.T) {
	r, err := BuildResult(0, nil, nil, nil, "/tmp/job.log")
	if err != nil {
		t.Fatalf("BuildResult: %v", err)
	}
	if r.Status() != "pass" {
		t.Fatalf("expected synthesized pass, got %v", r.Summary)
	}
	if r.Summary["score"] != 1.0 {
		t.Fatalf("expected score 1.0, got %v", r.Summary["score"])
	}
}

func TestBuildResult_MissingArtifactsNonZero(t *testing.T) {
	r, err := BuildResult(1, nil, nil, nil, "/tmp/job.log")
	if err != nil {
		t.Fatalf("BuildResult: %v", err)
	}
	if r.Status() != "fail" {
		t.Fatalf("expected synthesized fail, got %v", r.Summary)
	}
	if r.Summary["msg"] != "missing result" {
		t.Fatalf("expected missing result msg, got %v", r.Summary["msg"])
	}
}

func TestBuildResult_SuccessJSON(t *testing.T) {
	r, err := BuildResult(0, []byte(`{"status":"pass","score":0.9}`), nil, nil, "")
	if err != nil {
		t.Fatalf("BuildResult: %v", err)
	}
	if r.Status() != "pass" {
		t.Fatalf("expected pass, got %v", r.Summary)
	}
}

func TestBuildResult_ErrorStatusCollapsesToFail(t *testing.T) {
	r, err := BuildResult(1, nil, []byte(`{"status":"error","msg":"boom","score":0}`), nil, "")
	if err != nil {
		t.Fatalf("BuildResult: %v", err)
	}
	if r.Status() != "fail" {
		t.Fatalf("expected error status normalized to fail, got %v", r.Summary["status"])
	}
	if r.Summary["msg"] != "boom" {
		t.Fatalf("expected msg preserved, got %v", r.Summary["msg"])
	}
}

func TestBuildResult_MsgFromErrorField(t *testing.T) {
	r, err := BuildResult(1, nil, []byte(`{"status":"fail","error":"tf init failed","score":0}`), nil, "")
	if err != nil {
		t.Fatalf("BuildResult: %v", err)
	}
	if r.Summary["msg"] != "tf init failed" {
		t.Fatalf("expected msg copied from error field, got %v", r.Summary["msg"])
	}
}

func TestBuildResult_UnrecognizedStatusFallsBackToExitCode(t *testing.T) {
	r, err := BuildResult(0, []byte(`{"status":"weird","score":1}`), nil, nil, "")
	if err != nil {
		t.Fatalf("BuildResult: %v", err)
	}
	if r.Status() != "pass" {
		t.Fatalf("expected fallback to pass on exit 0, got %v", r.Summary["status"])
	}
}

func TestBuildResult_InvalidJSON(t *testing.T) {
	if _, err := BuildResult(1, nil, []byte(`not json`), nil, ""); err == nil {
		t.Fatal("expected error for invalid error.json")
	}
}
