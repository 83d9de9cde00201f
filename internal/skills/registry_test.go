package skills

import "testing"

type echoSkill struct{}

func (echoSkill) Descriptor() Descriptor {
	return Descriptor{
		Name:   "echo",
		Params: []Param{{Name: "text", Type: "string", Required: true}},
	}
}

func (echoSkill) Run(params map[string]any) Result {
	return Result{OK: true, Result: params["text"]}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(echoSkill{})
	r.Freeze()

	s, ok := r.Get("echo")
	if !ok {
		t.Fatal("expected echo skill registered")
	}
	res := s.Run(map[string]any{"text": "hi"})
	if !res.OK || res.Result != "hi" {
		t.Fatalf("got %+v", res)
	}
}

func TestRegistryRegisterAfterFreezePanics(t *testing.T) {
	r := NewRegistry()
	r.Freeze()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic registering after freeze")
		}
	}()
	r.Register(echoSkill{})
}

func TestValidateParamsMissingRequired(t *testing.T) {
	d := echoSkill{}.Descriptor()
	if err := d.ValidateParams(map[string]any{}); err == nil {
		t.Fatal("expected error for missing required param")
	}
	if err := d.ValidateParams(map[string]any{"text": "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestListSortedByName(t *testing.T) {
	r := NewRegistry()
	r.Register(namedSkill{"zeta"})
	r.Register(namedSkill{"alpha"})
	r.Freeze()

	list := r.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Fatalf("got %+v", list)
	}
}

type namedSkill struct{ name string }

func (n namedSkill) Descriptor() Descriptor { return Descriptor{Name: n.name} }
func (n namedSkill) Run(map[string]any) Result { return Result{OK: true} }
