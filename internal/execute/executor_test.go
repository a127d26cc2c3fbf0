package execute

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thuduc/fan-out-fan-in/internal/xmlnode"
)

func TestReferenceExecuteSum(t *testing.T) {
	taskXML := &xmlnode.Element{Name: "t"}
	taskXML.SetAttr("id", "a1")
	taskXML.SetAttr("op", "sum")
	v1 := &xmlnode.Element{Name: "v"}
	v1.SetAttr("value", "3")
	v2 := &xmlnode.Element{Name: "v"}
	v2.SetAttr("value", "4")
	taskXML.Children = []*xmlnode.Element{v1, v2}

	r := NewReference()
	result, err := r.Execute(context.Background(), taskXML)
	require.NoError(t, err)

	assert.Equal(t, "result", result.Name)
	id, _ := result.Attr("taskId")
	assert.Equal(t, "a1", id)
	value, _ := result.Attr("value")
	assert.Equal(t, "7", value)
}

func TestReferenceExecuteDefaultsToSum(t *testing.T) {
	taskXML := &xmlnode.Element{Name: "t"}
	taskXML.SetAttr("id", "a1")
	v := &xmlnode.Element{Name: "v"}
	v.SetAttr("value", "5")
	taskXML.Children = []*xmlnode.Element{v}

	r := NewReference()
	result, err := r.Execute(context.Background(), taskXML)
	require.NoError(t, err)
	value, _ := result.Attr("value")
	assert.Equal(t, "5", value)
}

func TestReferenceExecuteAvg(t *testing.T) {
	taskXML := &xmlnode.Element{Name: "t"}
	taskXML.SetAttr("op", "avg")
	for _, n := range []string{"2", "4", "6"} {
		v := &xmlnode.Element{Name: "v"}
		v.SetAttr("value", n)
		taskXML.Children = append(taskXML.Children, v)
	}

	r := NewReference()
	result, err := r.Execute(context.Background(), taskXML)
	require.NoError(t, err)
	value, _ := result.Attr("value")
	assert.Equal(t, "4", value)
}

func TestReferenceExecuteFirstEmptyErrors(t *testing.T) {
	taskXML := &xmlnode.Element{Name: "t"}
	taskXML.SetAttr("op", "first")

	r := NewReference()
	_, err := r.Execute(context.Background(), taskXML)
	assert.Error(t, err)
}

func TestReferenceExecuteUnknownOpErrors(t *testing.T) {
	taskXML := &xmlnode.Element{Name: "t"}
	taskXML.SetAttr("op", "nonsense")

	r := NewReference()
	_, err := r.Execute(context.Background(), taskXML)
	assert.Error(t, err)
}

func TestReferenceExecuteReadsFnResultAttribute(t *testing.T) {
	taskXML := &xmlnode.Element{Name: "t"}
	taskXML.SetAttr("op", "sum")
	taskXML.SetAttr("fn-result", "10")
	v := &xmlnode.Element{Name: "v"}
	v.SetAttr("value", "5")
	taskXML.Children = []*xmlnode.Element{v}

	r := NewReference()
	result, err := r.Execute(context.Background(), taskXML)
	require.NoError(t, err)
	value, _ := result.Attr("value")
	assert.Equal(t, "15", value)
}

func TestFunctionRegistryConst(t *testing.T) {
	reg := NewFunctionRegistry()
	v, err := reg.Call("const", []string{`"USD"`})
	require.NoError(t, err)
	assert.Equal(t, "USD", v)
}

func TestFunctionRegistryConstWrongArity(t *testing.T) {
	reg := NewFunctionRegistry()
	_, err := reg.Call("const", []string{"a", "b"})
	assert.Error(t, err)
}

func TestFunctionRegistrySum(t *testing.T) {
	reg := NewFunctionRegistry()
	v, err := reg.Call("sum", []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Equal(t, "6", v)
}

func TestFunctionRegistryUnknown(t *testing.T) {
	reg := NewFunctionRegistry()
	_, err := reg.Call("nope", nil)
	assert.Error(t, err)
}

func TestFunctionRegistryNonNumericArgument(t *testing.T) {
	reg := NewFunctionRegistry()
	_, err := reg.Call("sum", []string{"not-a-number"})
	assert.Error(t, err)
}
