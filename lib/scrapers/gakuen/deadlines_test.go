package gakuen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"gakuenhub-backend/lib/timezone"

	"github.com/stretchr/testify/require"
)

func TestDeadlineList(t *testing.T) {
	const envelope = `<?xml version="1.0" encoding="UTF-8"?>
<partial-response><changes>
<update id="funcForm:j_idt540"><![CDATA[<ul class="ui-datalist-data">
<li class="ui-datalist-item">
	<span class="signPortal signPortalKadai">課題</span>
	<span class="textDate">2025/04/01</span>
	<span class="textTitle">第１回　レポート</span>
	<span class="textFrom">教務課</span>
	<span class="textFrom">データ構造</span>
	<span class="textDate">2025/04/14</span>
</li>
<li class="ui-datalist-item">
	<span class="signPortal signPortalKeiji">掲示</span>
	<span class="textDate">2025/04/02</span>
	<span class="textTitle">休講のお知らせ</span>
	<span class="textFrom">教務課</span>
	<span class="textDate">2025/04/02</span>
</li>
<li class="ui-datalist-item">
	<span class="signPortal signPortalKadai">課題</span>
	<span class="textDate">2025/04/03</span>
	<span class="textTitle">小テスト</span>
	<span class="textFrom">教務課</span>
	<span class="textFrom">情報リテラシー</span>
	<span class="textDate">期限なし</span>
</li>
</ul>]]></update>
<update id="j_id1:javax.faces.ViewState:0"><![CDATA[vs-2]]></update>
</changes></partial-response>`

	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathPortal, r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Write([]byte(envelope))
	}))
	defer server.Close()

	c, err := NewClient(context.Background(), ClientOptions{BaseURL: server.URL})
	require.NoError(t, err)
	c.tokens.replace(SessionTokens{
		SyncToken:  "token-1",
		LoginKey:   "key-1",
		DeviceKind: "p",
		LoginType:  "0",
		ViewState:  "vs-1",
	})
	c.assignmentRegion = "j_idt540"
	c.fullAuth = true

	deadlines, err := c.DeadlineList(context.Background())
	require.NoError(t, err)

	// the bulletin row has no assignment badge and the third row's due
	// date is unparsable, only the first row survives
	require.Len(t, deadlines, 1)
	require.Equal(t, Deadline{
		Kind:   "課題",
		Posted: "2025/04/01",
		Title:  "第１回 レポート",
		Course: "データ構造",
		Due:    time.Date(2025, 4, 14, 23, 59, 0, 0, timezone.Location),
	}, deadlines[0])

	// the request addresses the harvested region id and re-sends the
	// full token unit
	require.Equal(t, "true", gotForm.Get("javax.faces.partial.ajax"))
	require.Equal(t, "funcForm:j_idt540", gotForm.Get("javax.faces.partial.render"))
	require.Equal(t, "funcForm:j_idt540", gotForm.Get("funcForm:j_idt540"))
	require.Equal(t, "token-1", gotForm.Get(fieldSyncToken))
	require.Equal(t, "vs-1", gotForm.Get(fieldViewState))

	// the view state rolls forward from the envelope
	tokens, err := c.Tokens()
	require.NoError(t, err)
	require.Equal(t, "vs-2", tokens.ViewState)
}

func TestDeadlineListRequiresLogin(t *testing.T) {
	c, err := NewClient(context.Background(), ClientOptions{BaseURL: "https://portal.example.ac.jp"})
	require.NoError(t, err)

	_, err = c.DeadlineList(context.Background())
	require.Error(t, err)
	require.Equal(t, KindPermission, KindOf(err))
}

func TestDeadlineListMissingRegion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<partial-response><changes>
<update id="j_id1:javax.faces.ViewState:0"><![CDATA[vs-2]]></update>
</changes></partial-response>`))
	}))
	defer server.Close()

	c, err := NewClient(context.Background(), ClientOptions{BaseURL: server.URL})
	require.NoError(t, err)
	c.tokens.replace(SessionTokens{
		SyncToken:  "token-1",
		LoginKey:   "key-1",
		DeviceKind: "p",
		LoginType:  "0",
		ViewState:  "vs-1",
	})
	c.assignmentRegion = "j_idt540"
	c.fullAuth = true

	_, err = c.DeadlineList(context.Background())
	require.Error(t, err)
	require.Equal(t, KindData, KindOf(err))
}
