package discord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageFlatten(t *testing.T) {
	body := []byte(`{
		"code": 50035,
		"message": "Invalid Form Body",
		"errors": {
			"content": {"_errors": [{"code": "BASE_TYPE_MAX_LENGTH", "message": "Must be 2000 or fewer in length."}]},
			"embeds": {"0": {"title": {"_errors": [{"message": "Required"}, {"message": "Too short"}]}}}
		}
	}`)

	var em ErrorMessage

	require.NoError(t, json.Unmarshal(body, &em))
	assert.Equal(t, int32(50035), em.Code)
	assert.Equal(t, []string{
		"content: Must be 2000 or fewer in length.",
		"embeds[0].title: Required Too short",
	}, em.Flatten())
}

func TestFlattenErrorsCodeMessageLeaf(t *testing.T) {
	tree := map[string]interface{}{
		"message": "ignored",
		"guild":   map[string]interface{}{"code": "UNKNOWN", "message": "Unknown guild"},
		"note":    "plain string",
	}

	assert.Equal(t, []string{"UNKNOWN: Unknown guild", "plain string"}, FlattenErrors(tree, ""))
}

func TestFlattenErrorsNumericOrdering(t *testing.T) {
	tree := map[string]interface{}{
		"10": map[string]interface{}{"_errors": []interface{}{map[string]interface{}{"message": "b"}}},
		"2":  map[string]interface{}{"_errors": []interface{}{map[string]interface{}{"message": "a"}}},
	}

	assert.Equal(t, []string{"items[2]: a", "items[10]: b"}, FlattenErrors(tree, "items"))
}

func TestErrorMessageCaptcha(t *testing.T) {
	var em ErrorMessage

	require.NoError(t, json.Unmarshal([]byte(`{"captcha_key":["captcha-required"],"captcha_sitekey":"abc","captcha_service":"hcaptcha","captcha_rqtoken":"tok"}`), &em))
	assert.True(t, em.HasCaptcha())
	assert.Equal(t, "tok", em.CaptchaRqtoken)
	assert.Nil(t, em.Flatten())
}

func TestSnowflakeJSON(t *testing.T) {
	var s Snowflake

	require.NoError(t, s.UnmarshalJSON([]byte(`"123456789012345678"`)))
	assert.Equal(t, Snowflake(123456789012345678), s)

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"123456789012345678"`, string(b))

	require.NoError(t, s.UnmarshalJSON([]byte(`null`)))
	assert.True(t, s.IsNil())
}

func TestUpdateVoiceStateLeaveEncodesNullChannel(t *testing.T) {
	b, err := json.Marshal(UpdateVoiceState{GuildID: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"guild_id":"1","channel_id":null,"self_mute":false,"self_deaf":false,"self_video":false,"flags":0}`, string(b))
}

func TestPermissionsHas(t *testing.T) {
	assert.True(t, Permissions(PermissionVoiceJoin).Has(PermissionVoiceJoin))
	assert.False(t, Permissions(PermissionVoiceConnect).Has(PermissionVoiceJoin))
	assert.True(t, Permissions(PermissionAdministrator).Has(PermissionVoiceJoin))
}
