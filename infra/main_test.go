package main

import (
	"sync"
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/common/resource"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

type mocks struct {
	mu        sync.Mutex
	resources map[string]resource.PropertyMap
}

func (m *mocks) NewResource(args pulumi.MockResourceArgs) (string, resource.PropertyMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resources == nil {
		m.resources = map[string]resource.PropertyMap{}
	}
	m.resources[args.Name] = args.Inputs
	return args.Name + "_id", args.Inputs, nil
}

func (m *mocks) Call(args pulumi.MockCallArgs) (resource.PropertyMap, error) {
	switch args.Token {
	case "aws:iam/getPolicyDocument:getPolicyDocument":
		return resource.NewPropertyMapFromMap(map[string]interface{}{"json": "{}"}), nil
	case "aws:index/getRegion:getRegion":
		return resource.NewPropertyMapFromMap(map[string]interface{}{"name": "us-east-1"}), nil
	}
	return args.Args, nil
}

func (m *mocks) inputs(name string) (resource.PropertyMap, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.resources[name]
	return in, ok
}

func TestProgram_AthenaResultsExpireInTrainingBucket(t *testing.T) {
	m := &mocks{}
	if err := pulumi.RunErr(program, pulumi.WithMocks("darktracer", "test", m)); err != nil {
		t.Fatal(err)
	}

	in, ok := m.inputs("darktracer-training-lifecycle-test")
	if !ok {
		t.Fatal("training bucket lifecycle not registered")
	}
	if got := in["bucket"]; !got.IsString() || got.StringValue() != "darktracer-training-bucket-test_id" {
		t.Fatalf("lifecycle attached to %v", got)
	}
	if _, ok := m.inputs("darktracer-logs-lifecycle-test"); ok {
		t.Fatal("athena results rule still attached to the logs bucket")
	}
}
