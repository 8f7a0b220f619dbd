package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(threadID, messageID, body string, sentAt time.Time) InboundEnvelope {
	return InboundEnvelope{
		ExternalThreadID:  threadID,
		ExternalMessageID: messageID,
		Body:              body,
		Channel:           "spareroom_messages",
		SentAt:            sentAt,
	}
}

func TestIngestCreatesConversationAndDedupes(t *testing.T) {
	st := newTestStore(t)
	account := seedAccount(t, st, PlatformSpareroom)
	sentAt := time.Now().UTC()

	result, err := st.IngestMessages(account, []InboundEnvelope{
		envelope("thread-1", "msg-1", "Is the unit available?", sentAt),
		envelope("thread-1", "msg-2", "Also, does it allow pets?", sentAt.Add(time.Minute)),
		envelope("thread-1", "msg-1", "Is the unit available?", sentAt),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 1, result.Duplicates)

	counts, err := st.CountAuditByAction(sentAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, counts["ingest_conversation_linkage_unresolved"])
	assert.Equal(t, 2, counts["ingest_conversation_linkage_resolved"])
}

func TestIngestCarriesLeadMetadata(t *testing.T) {
	st := newTestStore(t)
	account := seedAccount(t, st, PlatformSpareroom)

	env := envelope("thread-1", "msg-1", "hello", time.Now().UTC())
	env.LeadName = "Jordan Lee"
	env.LeadContact = "jordan@example.com"
	_, err := st.IngestMessages(account, []InboundEnvelope{env})
	require.NoError(t, err)

	claimed, err := st.ClaimPendingMessages("worker-a", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NotNil(t, claimed[0].Conversation.LeadName)
	assert.Equal(t, "Jordan Lee", *claimed[0].Conversation.LeadName)
	assert.Equal(t, "jordan@example.com", claimed[0].Message.Metadata.Lead["contact"])
}

func TestIngestReopensArchivedConversation(t *testing.T) {
	st := newTestStore(t)
	account := seedAccount(t, st, PlatformSpareroom)
	conv := seedConversation(t, st, account.ID)
	conv.Status = ConversationArchived
	require.NoError(t, st.UpsertConversation(conv))

	result, err := st.IngestMessages(account, []InboundEnvelope{
		envelope(conv.ExternalThreadID, "msg-1", "Back again", time.Now().UTC()),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reopened)

	got, err := st.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ConversationOpen, got.Status)
}

func TestIngestSkipsEnvelopesWithoutIDs(t *testing.T) {
	st := newTestStore(t)
	account := seedAccount(t, st, PlatformSpareroom)

	result, err := st.IngestMessages(account, []InboundEnvelope{
		{Body: "no ids at all", SentAt: time.Now().UTC()},
	})
	require.NoError(t, err)
	assert.Zero(t, result.Inserted)
	assert.Zero(t, result.Duplicates)
}

func TestIngestBumpsLastMessageAtMonotonically(t *testing.T) {
	st := newTestStore(t)
	account := seedAccount(t, st, PlatformSpareroom)
	base := time.Now().UTC().Truncate(time.Millisecond)

	_, err := st.IngestMessages(account, []InboundEnvelope{
		envelope("thread-1", "msg-new", "newer", base),
		envelope("thread-1", "msg-old", "older, delivered late", base.Add(-time.Hour)),
	})
	require.NoError(t, err)

	accounts, err := st.ListActiveAccounts(PlatformSpareroom)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	claimed, err := st.ClaimPendingMessages("worker-a", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	got, err := st.GetConversation(claimed[0].Conversation.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageAt)
	assert.True(t, got.LastMessageAt.Equal(base))
}
