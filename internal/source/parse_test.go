package source

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
)

func TestGraphItemPath(t *testing.T) {
	t.Run("nested item", func(t *testing.T) {
		item := &graphDriveItem{Name: "q1.pdf"}
		item.ParentReference.Path = "/drives/b!abc/root:/reports/2026"

		p, ok := graphItemPath(item)
		require.True(t, ok)
		assert.Equal(t, "reports/2026/q1.pdf", p)
	})

	t.Run("item directly under root", func(t *testing.T) {
		item := &graphDriveItem{Name: "readme.md"}
		item.ParentReference.Path = "/drives/b!abc/root:"

		p, ok := graphItemPath(item)
		require.True(t, ok)
		assert.Equal(t, "readme.md", p)
	})

	t.Run("missing parent reference", func(t *testing.T) {
		_, ok := graphItemPath(&graphDriveItem{Name: "orphan.txt"})
		assert.False(t, ok)
	})
}

func TestNewGraphDetectorDriveScope(t *testing.T) {
	const creds = `"tenant_id": "t", "client_id": "c", "client_secret": "s"`

	t.Run("drive_id", func(t *testing.T) {
		d, err := NewGraphDetector(`{`+creds+`, "drive_id": "b!abc"}`, true, testLogger())
		require.NoError(t, err)
		assert.Equal(t, "/drives/b%21abc", d.params.driveScope())
	})

	t.Run("site_id", func(t *testing.T) {
		d, err := NewGraphDetector(`{`+creds+`, "site_id": "contoso.sharepoint.com,guid1,guid2"}`, true, testLogger())
		require.NoError(t, err)
		assert.Equal(t, "/sites/contoso.sharepoint.com%2Cguid1%2Cguid2/drive", d.params.driveScope())
	})

	t.Run("user_id", func(t *testing.T) {
		d, err := NewGraphDetector(`{`+creds+`, "user_id": "jo@contoso.com"}`, true, testLogger())
		require.NoError(t, err)
		assert.Equal(t, "/users/jo@contoso.com/drive", d.params.driveScope())
	})

	t.Run("no drive reference rejected", func(t *testing.T) {
		_, err := NewGraphDetector(`{`+creds+`}`, true, testLogger())
		require.Error(t, err)
		assert.True(t, IsFatal(err))
		assert.Contains(t, err.Error(), "drive_id")
	})
}

func TestNewBoxDetectorAuth(t *testing.T) {
	t.Run("developer token alone", func(t *testing.T) {
		_, err := NewBoxDetector(`{"developer_token": "tok"}`, true, testLogger())
		require.NoError(t, err)
	})

	t.Run("client credentials with enterprise subject", func(t *testing.T) {
		_, err := NewBoxDetector(`{"client_id": "c", "client_secret": "s", "enterprise_id": "e1"}`, true, testLogger())
		require.NoError(t, err)
	})

	t.Run("client credentials with user subject", func(t *testing.T) {
		_, err := NewBoxDetector(`{"client_id": "c", "client_secret": "s", "user_id": "u1"}`, true, testLogger())
		require.NoError(t, err)
	})

	t.Run("client credentials without subject rejected", func(t *testing.T) {
		_, err := NewBoxDetector(`{"client_id": "c", "client_secret": "s"}`, true, testLogger())
		require.Error(t, err)
		assert.True(t, IsFatal(err))
		assert.Contains(t, err.Error(), "enterprise_id or user_id")
	})

	t.Run("no credentials rejected", func(t *testing.T) {
		_, err := NewBoxDetector(`{}`, true, testLogger())
		require.Error(t, err)
		assert.True(t, IsFatal(err))
	})
}

func TestNewAlfrescoDetectorValidation(t *testing.T) {
	const base = `"base_url": "http://alf:8080", "username": "admin", "password": "pw"`

	t.Run("event_mode off accepted", func(t *testing.T) {
		_, err := NewAlfrescoDetector(`{`+base+`, "event_mode": "off"}`, true, testLogger())
		require.NoError(t, err)
	})

	t.Run("event_mode on requires stomp_addr", func(t *testing.T) {
		_, err := NewAlfrescoDetector(`{`+base+`, "event_mode": "on"}`, true, testLogger())
		require.Error(t, err)
		assert.True(t, IsFatal(err))
		assert.Contains(t, err.Error(), "stomp_addr")
	})

	t.Run("unknown event_mode rejected", func(t *testing.T) {
		_, err := NewAlfrescoDetector(`{`+base+`, "event_mode": "sometimes"}`, true, testLogger())
		require.Error(t, err)
		assert.True(t, IsFatal(err))
	})

	t.Run("root_path accepted", func(t *testing.T) {
		d, err := NewAlfrescoDetector(`{`+base+`, "root_path": "Sites/docs/documentLibrary"}`, true, testLogger())
		require.NoError(t, err)
		assert.Equal(t, "Sites/docs/documentLibrary", d.params.RootPath)
	})

	t.Run("root_path and root_node_id rejected together", func(t *testing.T) {
		_, err := NewAlfrescoDetector(`{`+base+`, "root_path": "Sites/docs", "root_node_id": "n1"}`, true, testLogger())
		require.Error(t, err)
		assert.True(t, IsFatal(err))
	})
}

func TestGraphRetryable(t *testing.T) {
	assert.True(t, graphRetryable(429))
	assert.True(t, graphRetryable(503))
	assert.False(t, graphRetryable(404))
	assert.False(t, graphRetryable(410))
	assert.False(t, graphRetryable(200))
}

func TestBoxPaths(t *testing.T) {
	item := &boxItem{Name: "q1.pdf"}
	item.PathCollection.Entries = []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{
		{ID: "0", Name: "All Files"},
		{ID: "11", Name: "docs"},
		{ID: "12", Name: "reports"},
	}

	t.Run("full path joins ancestry", func(t *testing.T) {
		assert.Equal(t, "All Files/docs/reports/q1.pdf", boxFullPath(item))
	})

	t.Run("relativize inside scope", func(t *testing.T) {
		d := &BoxDetector{rootPath: "All Files/docs"}

		p, ok := d.relativize(item)
		require.True(t, ok)
		assert.Equal(t, "reports/q1.pdf", p)
	})

	t.Run("relativize outside scope", func(t *testing.T) {
		d := &BoxDetector{rootPath: "All Files/other"}

		_, ok := d.relativize(item)
		assert.False(t, ok)
	})
}

func TestDriveNonRecursiveScope(t *testing.T) {
	d, err := NewDriveDetector(`{"folder_id": "root", "recursive": false}`, true, testLogger())
	require.NoError(t, err)

	d.folderPaths["sub"] = "reports"

	t.Run("nested file is skipped", func(t *testing.T) {
		ch := &drive.Change{
			FileId: "f1",
			File:   &drive.File{Id: "f1", Name: "q1.pdf", MimeType: "application/pdf", Parents: []string{"sub"}},
		}

		require.True(t, d.handleChange(context.Background(), ch))
		assert.Empty(t, d.events)
	})

	t.Run("direct child is emitted", func(t *testing.T) {
		ch := &drive.Change{
			FileId: "f2",
			File:   &drive.File{Id: "f2", Name: "readme.md", MimeType: "text/markdown", Parents: []string{"root"}},
		}

		require.True(t, d.handleChange(context.Background(), ch))
		require.Len(t, d.events, 1)

		ev := <-d.events
		assert.Equal(t, "readme.md", ev.Meta.Path)
	})
}

func TestBoxNonRecursiveScope(t *testing.T) {
	d, err := NewBoxDetector(`{"developer_token": "tok", "recursive": false}`, true, testLogger())
	require.NoError(t, err)

	d.rootPath = "All Files/docs"

	nested := &boxItem{Type: "file", ID: "f1", Name: "q1.pdf"}
	nested.PathCollection.Entries = []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{
		{ID: "0", Name: "All Files"},
		{ID: "11", Name: "docs"},
		{ID: "12", Name: "reports"},
	}

	direct := &boxItem{Type: "file", ID: "f2", Name: "readme.md"}
	direct.PathCollection.Entries = []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{
		{ID: "0", Name: "All Files"},
		{ID: "11", Name: "docs"},
	}

	t.Run("nested file is skipped", func(t *testing.T) {
		require.True(t, d.handleBoxEvent(context.Background(), "ITEM_UPLOAD", nested))
		assert.Empty(t, d.events)
	})

	t.Run("direct child is emitted", func(t *testing.T) {
		require.True(t, d.handleBoxEvent(context.Background(), "ITEM_UPLOAD", direct))
		require.Len(t, d.events, 1)

		ev := <-d.events
		assert.Equal(t, "readme.md", ev.Meta.Path)
	})
}

func TestParseAlfrescoTime(t *testing.T) {
	t.Run("rfc3339", func(t *testing.T) {
		assert.NotZero(t, parseAlfrescoTime("2026-01-02T15:04:05Z"))
	})

	t.Run("non-colon zone offset", func(t *testing.T) {
		assert.NotZero(t, parseAlfrescoTime("2026-01-02T15:04:05.000+0000"))
	})

	t.Run("garbage", func(t *testing.T) {
		assert.Zero(t, parseAlfrescoTime("yesterday"))
	})
}

func TestAlfrescoRelativize(t *testing.T) {
	d := &AlfrescoDetector{rootPath: "/Company Home/Sites/docs"}

	t.Run("inside subtree", func(t *testing.T) {
		node := &alfrescoNode{Name: "q1.pdf"}
		node.Path.Name = "/Company Home/Sites/docs/reports"

		p, ok := d.relativize(node)
		require.True(t, ok)
		assert.Equal(t, "reports/q1.pdf", p)
	})

	t.Run("outside subtree", func(t *testing.T) {
		node := &alfrescoNode{Name: "q1.pdf"}
		node.Path.Name = "/Company Home/Sites/other"

		_, ok := d.relativize(node)
		assert.False(t, ok)
	})
}

func TestGCSParseNotification(t *testing.T) {
	newDetector := func(t *testing.T) *GCSDetector {
		t.Helper()

		d, err := NewGCSDetector(`{"bucket": "docs", "suffix": ".pdf"}`, true, testLogger())
		require.NoError(t, err)

		return d
	}

	t.Run("finalize becomes create", func(t *testing.T) {
		d := newDetector(t)

		msg := &pubsub.Message{
			Attributes: map[string]string{
				"eventType":        "OBJECT_FINALIZE",
				"objectId":         "reports/q1.pdf",
				"objectGeneration": "1700000000000001",
			},
			Data: []byte(`{"size": "2048"}`),
		}

		ev, ok := d.parseNotification(msg)
		require.True(t, ok)
		assert.Equal(t, ChangeCreate, ev.Type)
		assert.Equal(t, "reports/q1.pdf", ev.Meta.Path)
		assert.Equal(t, "1700000000000001", ev.Meta.SourceID)
		require.NotNil(t, ev.Meta.Size)
		assert.Equal(t, int64(2048), *ev.Meta.Size)
	})

	t.Run("delete becomes delete", func(t *testing.T) {
		d := newDetector(t)

		msg := &pubsub.Message{
			Attributes: map[string]string{
				"eventType": "OBJECT_DELETE",
				"objectId":  "reports/q1.pdf",
			},
		}

		ev, ok := d.parseNotification(msg)
		require.True(t, ok)
		assert.Equal(t, ChangeDelete, ev.Type)
	})

	t.Run("metadata update is ignored", func(t *testing.T) {
		d := newDetector(t)

		msg := &pubsub.Message{
			Attributes: map[string]string{
				"eventType": "OBJECT_METADATA_UPDATE",
				"objectId":  "reports/q1.pdf",
			},
		}

		_, ok := d.parseNotification(msg)
		assert.False(t, ok)
	})

	t.Run("filter drops non-matching objects", func(t *testing.T) {
		d := newDetector(t)

		msg := &pubsub.Message{
			Attributes: map[string]string{
				"eventType": "OBJECT_FINALIZE",
				"objectId":  "reports/q1.docx",
			},
		}

		_, ok := d.parseNotification(msg)
		assert.False(t, ok)
	})
}
