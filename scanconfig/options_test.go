package scanconfig

import "testing"

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	o := Default()
	o.Process = "game"
	o.Target = 0x7f0000000000

	if o.MaxDepth != 10 {
		t.Errorf("MaxDepth = %d, want 10", o.MaxDepth)
	}
	if o.MaxOffset != 500 {
		t.Errorf("MaxOffset = %d, want 500", o.MaxOffset)
	}
	if o.Threads != 4 {
		t.Errorf("Threads = %d, want 4", o.Threads)
	}
	if o.Limit != 0 {
		t.Errorf("Limit = %d, want 0", o.Limit)
	}
	if o.OutputFile != "pointer_chains.txt" {
		t.Errorf("OutputFile = %q, want pointer_chains.txt", o.OutputFile)
	}
	if err := o.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsMissingProcess(t *testing.T) {
	o := Default()
	o.Target = 1
	if err := o.Validate(); err == nil {
		t.Fatalf("expected an error for a missing Process")
	}
}

func TestValidateRejectsZeroTarget(t *testing.T) {
	o := Default()
	o.Process = "game"
	if err := o.Validate(); err == nil {
		t.Fatalf("expected an error for a zero Target")
	}
}

func TestValidateRejectsBadDepthThreadsLimit(t *testing.T) {
	base := Default()
	base.Process = "game"
	base.Target = 1

	cases := []func(*Options){
		func(o *Options) { o.MaxDepth = 0 },
		func(o *Options) { o.Threads = 0 },
		func(o *Options) { o.Limit = -1 },
		func(o *Options) { o.MaxOffset = -1 },
		func(o *Options) { o.OutputFile = "" },
	}
	for i, mutate := range cases {
		o := base
		mutate(&o)
		if err := o.Validate(); err == nil {
			t.Errorf("case %d: expected Validate() to reject %+v", i, o)
		}
	}
}
