package xmlgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thuduc/fan-out-fan-in/internal/xmlnode"
)

const sampleDoc = `<vnml currency="USD">
  <project>
    <group name="market-data">
      <t id="a1" op="sum"><v value="1"/></t>
      <t id="a2" op="sum"><v value="2"/></t>
    </group>
    <group name="pricing">
      <t id="b1" op="avg" select="a1"/>
    </group>
  </project>
</vnml>`

func TestParseDecomposesGroupsAndTasks(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	require.Equal(t, 2, doc.GroupCount())
	assert.Equal(t, "market-data", doc.Groups[0].Name)
	assert.Len(t, doc.Groups[0].Tasks, 2)
	assert.Equal(t, "a1", doc.Groups[0].Tasks[0].ID)
	assert.Equal(t, "pricing", doc.Groups[1].Name)
	assert.Len(t, doc.Groups[1].Tasks, 1)
}

func TestParseRejectsWrongRoot(t *testing.T) {
	_, err := Parse([]byte(`<not-vnml/>`))
	assert.Error(t, err)
}

func TestParseRejectsMissingProject(t *testing.T) {
	_, err := Parse([]byte(`<vnml></vnml>`))
	assert.Error(t, err)
}

func TestParseRejectsNoGroups(t *testing.T) {
	_, err := Parse([]byte(`<vnml><project></project></vnml>`))
	assert.Error(t, err)
}

func TestParseRejectsEmptyGroup(t *testing.T) {
	_, err := Parse([]byte(`<vnml><project><group name="g"></group></project></vnml>`))
	assert.Error(t, err)
}

func TestParseRejectsMissingTaskID(t *testing.T) {
	_, err := Parse([]byte(`<vnml><project><group name="g"><t/></group></project></vnml>`))
	assert.Error(t, err)
}

func TestParseRejectsDuplicateTaskID(t *testing.T) {
	doc := `<vnml><project><group name="g"><t id="x"/><t id="x"/></group></project></vnml>`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestBuildTaskXMLInheritsBaseRequestAttributes(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	built := BuildTaskXML(doc.Request, doc.Groups[0].Tasks[0])

	currency, ok := built.Attr("currency")
	require.True(t, ok, "task should inherit the base request's currency attribute")
	assert.Equal(t, "USD", currency)

	id, _ := built.Attr("id")
	assert.Equal(t, "a1", id)
}

func TestBuildTaskXMLTaskAttributeWins(t *testing.T) {
	requestEl := &xmlnode.Element{Name: "vnml"}
	requestEl.SetAttr("op", "sum")
	task := Task{ID: "t1", Element: func() *xmlnode.Element {
		el := &xmlnode.Element{Name: "t"}
		el.SetAttr("id", "t1")
		el.SetAttr("op", "avg")
		return el
	}()}

	built := BuildTaskXML(requestEl, task)
	op, _ := built.Attr("op")
	assert.Equal(t, "avg", op, "a task's own attribute must not be overwritten by the base request's")
}

func TestBuildTaskXMLDoesNotMutateSource(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	task := doc.Groups[0].Tasks[0]
	BuildTaskXML(doc.Request, task)

	_, ok := task.Element.Attr("currency")
	assert.False(t, ok, "BuildTaskXML must operate on a clone, not the parsed task element")
}
