package notify

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

func TestRecorderCopiesIDs(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	ids := []string{"e1", "e2"}

	r.Created(ctx, "t1", ids...)
	r.Deleted(ctx, Deletion{TenantID: "t1", CalendarID: "c1", EventIDs: ids, Source: model.SourceProvider})
	ids[0] = "mutated"

	assert.Equal(t, [][]string{{"e1", "e2"}}, r.CreatedCalls())
	assert.Equal(t, []string{"e1", "e2"}, r.DeletedCalls()[0].EventIDs)

	r.Reset()
	assert.Empty(t, r.CreatedCalls())
	assert.Empty(t, r.DeletedCalls())
}

func TestLogPublisherSkipsEmpty(t *testing.T) {
	var buf bytes.Buffer
	appLog.SetOutput(&buf)
	t.Cleanup(func() { appLog.SetOutput(os.Stderr) })
	ctx := context.Background()

	LogPublisher{}.Updated(ctx, "t1")
	assert.Empty(t, buf.String())

	LogPublisher{}.Deleted(ctx, Deletion{TenantID: "t1", CalendarID: "c1", EventIDs: []string{"e1", "e2"}, Source: model.SourceClient})
	assert.Contains(t, buf.String(), "events deleted tenant_id=t1 calendar_id=c1 source=client ids=e1,e2")
}
