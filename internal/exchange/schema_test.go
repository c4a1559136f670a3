package exchange

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidateNormalizesAbsentLists(t *testing.T) {
	schema := &Schema{Name: "bare", Version: "0.0.1"}
	require.NoError(t, schema.Validate())

	assert.NotNil(t, schema.Instructions)
	assert.NotNil(t, schema.Events)
	assert.NotNil(t, schema.Errors)
	assert.Empty(t, schema.Instructions)
}

func TestSchemaValidateRejectsDuplicates(t *testing.T) {
	schema := &Schema{
		Instructions: []InstructionSpec{{Name: "doThing"}, {Name: "doThing"}},
	}
	err := schema.Validate()
	require.Error(t, err)
	assert.Equal(t, ErrInterfaceIncomplete, CodeOf(err))

	schema = &Schema{Instructions: []InstructionSpec{{Name: ""}}}
	err = schema.Validate()
	require.Error(t, err)
	assert.Equal(t, ErrInterfaceIncomplete, CodeOf(err))
}

func TestSchemaMissingEntriesAreIncomplete(t *testing.T) {
	schema := &Schema{Name: "bare", Version: "0.0.1"}
	require.NoError(t, schema.Validate())

	_, err := schema.Instruction("initializeListing")
	require.Error(t, err)
	assert.Equal(t, ErrInterfaceIncomplete, CodeOf(err))

	_, err = schema.Event("ListingCreated")
	require.Error(t, err)
	assert.Equal(t, ErrInterfaceIncomplete, CodeOf(err))
}

func TestAlternateDefaultsToSnakeCase(t *testing.T) {
	assert.Equal(t, "complete_transaction", InstructionSpec{Name: "completeTransaction"}.Alternate())
	assert.Equal(t, "process_purchase", InstructionSpec{Name: "processPurchase"}.Alternate())
	assert.Equal(t, "legacy_name", InstructionSpec{Name: "completeTransaction", AltName: "legacy_name"}.Alternate())
}

func TestDiscriminatorsMatchNamespaceHash(t *testing.T) {
	expected := sha256.Sum256([]byte("global:initializeListing"))
	got := InstructionDiscriminator("initializeListing")
	assert.Equal(t, expected[:8], got[:])

	eventExpected := sha256.Sum256([]byte("event:ListingCreated"))
	eventGot := EventDiscriminator("ListingCreated")
	assert.Equal(t, eventExpected[:8], eventGot[:])

	accountExpected := sha256.Sum256([]byte("account:ListingAccount"))
	accountGot := AccountDiscriminator("ListingAccount")
	assert.Equal(t, accountExpected[:8], accountGot[:])

	// Namespaces keep the tag spaces disjoint even for identical names.
	assert.NotEqual(t, InstructionDiscriminator("thing"), EventDiscriminator("thing"))
}

func TestDefaultSchemaContents(t *testing.T) {
	schema := DefaultSchema()
	require.NoError(t, schema.Validate())

	initialize, err := schema.Instruction("initializeListing")
	require.NoError(t, err)
	assert.Len(t, initialize.Args, 7)
	assert.Equal(t, "listingId", initialize.Args[0].Name)
	assert.Equal(t, KindString, initialize.Args[0].Kind)
	assert.Equal(t, KindI64, initialize.Args[6].Kind)

	purchase, err := schema.Instruction("processPurchase")
	require.NoError(t, err)
	require.Len(t, purchase.Accounts, 7)
	assert.True(t, purchase.Accounts[0].Signer)
	assert.True(t, purchase.Accounts[0].Mutable)
	assert.Equal(t, "sellerTokenAccount", purchase.Accounts[4].Name)

	message, ok := schema.ErrorMessage(6000)
	require.True(t, ok)
	assert.Contains(t, message, "already been completed")
	name, ok := schema.ErrorName(6001)
	require.True(t, ok)
	assert.Equal(t, "AlreadyCanceled", name)
	_, ok = schema.ErrorMessage(9999)
	assert.False(t, ok)

	for _, eventName := range []string{"ListingCreated", "TransactionInitialized", "TransactionCompleted", "TransactionCanceled"} {
		_, err := schema.Event(eventName)
		assert.NoError(t, err)
	}
}
