package exchange

import (
	"bytes"
	"encoding/binary"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
)

// InstructionBuilder turns logical marketplace operations into byte-exact
// instruction payloads and ordered account lists, driven entirely by the
// program schema. Argument encoding: 8-byte discriminator, then each
// argument in schema order (u64/i64 little-endian fixed width, strings as a
// 4-byte little-endian length prefix plus UTF-8 bytes).
type InstructionBuilder struct {
	schema    *Schema
	programID solana.PublicKey
}

func NewInstructionBuilder(schema *Schema, programID solana.PublicKey) (*InstructionBuilder, error) {
	if schema == nil {
		schema = DefaultSchema()
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if programID.IsZero() {
		return nil, newError(ErrInvalidAddress, "program id is zero")
	}
	return &InstructionBuilder{schema: schema, programID: programID}, nil
}

func (b *InstructionBuilder) Schema() *Schema { return b.schema }

// Build encodes the named instruction under its primary method identifier.
// accounts maps schema role names to resolved addresses; well-known program
// roles (systemProgram, tokenProgram, associatedTokenProgram, rent) resolve
// implicitly.
func (b *InstructionBuilder) Build(name string, args []any, accounts map[string]solana.PublicKey) (solana.Instruction, error) {
	return b.build(name, false, args, accounts)
}

// BuildAlternate encodes the same instruction under its alternate method
// identifier, for the naming-convention fallback.
func (b *InstructionBuilder) BuildAlternate(name string, args []any, accounts map[string]solana.PublicKey) (solana.Instruction, error) {
	return b.build(name, true, args, accounts)
}

func (b *InstructionBuilder) build(name string, alternate bool, args []any, accounts map[string]solana.PublicKey) (solana.Instruction, error) {
	spec, err := b.schema.Instruction(name)
	if err != nil {
		return nil, err
	}
	if len(args) != len(spec.Args) {
		return nil, newError(ErrEncodingFailed, "instruction %q takes %d arguments, got %d", name, len(spec.Args), len(args))
	}

	method := spec.Name
	if alternate {
		method = spec.Alternate()
	}
	discriminator := InstructionDiscriminator(method)

	buf := new(bytes.Buffer)
	buf.Write(discriminator[:])
	enc := bin.NewBorshEncoder(buf)
	for i, field := range spec.Args {
		if err := encodeArg(enc, field, args[i]); err != nil {
			return nil, err
		}
	}

	metas := make(solana.AccountMetaSlice, 0, len(spec.Accounts))
	for _, role := range spec.Accounts {
		address, ok := resolveAccount(role.Name, accounts)
		if !ok {
			return nil, newError(ErrEncodingFailed, "instruction %q: no address bound for account %q", name, role.Name)
		}
		metas = append(metas, solana.NewAccountMeta(address, role.Mutable, role.Signer))
	}

	return solana.NewInstruction(b.programID, metas, buf.Bytes()), nil
}

func encodeArg(enc *bin.Encoder, field Field, value any) error {
	switch field.Kind {
	case KindU64:
		v, ok := value.(uint64)
		if !ok {
			return newError(ErrEncodingFailed, "argument %q expects u64, got %T", field.Name, value)
		}
		return enc.WriteUint64(v, binary.LittleEndian)
	case KindI64:
		v, ok := value.(int64)
		if !ok {
			return newError(ErrEncodingFailed, "argument %q expects i64, got %T", field.Name, value)
		}
		return enc.WriteInt64(v, binary.LittleEndian)
	case KindU8:
		v, ok := value.(uint8)
		if !ok {
			return newError(ErrEncodingFailed, "argument %q expects u8, got %T", field.Name, value)
		}
		return enc.WriteByte(v)
	case KindBool:
		v, ok := value.(bool)
		if !ok {
			return newError(ErrEncodingFailed, "argument %q expects bool, got %T", field.Name, value)
		}
		return enc.WriteBool(v)
	case KindString:
		v, ok := value.(string)
		if !ok {
			return newError(ErrEncodingFailed, "argument %q expects string, got %T", field.Name, value)
		}
		if err := ValidateIdentifier(v); err != nil {
			return err
		}
		if err := enc.WriteUint32(uint32(len(v)), binary.LittleEndian); err != nil {
			return err
		}
		return enc.WriteBytes([]byte(v), false)
	case KindPubkey:
		v, ok := value.(solana.PublicKey)
		if !ok {
			return newError(ErrEncodingFailed, "argument %q expects publicKey, got %T", field.Name, value)
		}
		return enc.WriteBytes(v.Bytes(), false)
	default:
		return newError(ErrEncodingFailed, "argument %q has unsupported kind %q", field.Name, field.Kind)
	}
}

func resolveAccount(role string, accounts map[string]solana.PublicKey) (solana.PublicKey, bool) {
	if address, ok := accounts[role]; ok {
		return address, true
	}
	switch role {
	case "systemProgram":
		return solana.SystemProgramID, true
	case "tokenProgram":
		return solana.TokenProgramID, true
	case "associatedTokenProgram":
		return solana.SPLAssociatedTokenAccountProgramID, true
	case "rent":
		return solana.SysVarRentPubkey, true
	}
	return solana.PublicKey{}, false
}

// InitializeListingArgs carries everything the initialize instruction
// encodes. Amounts are already in base units.
type InitializeListingArgs struct {
	ListingID       string
	PricePerUnit    uint64
	TotalUnits      uint64
	AvailableUnits  uint64
	MinPurchase     uint64
	MaxPurchase     uint64
	ExpiryTimestamp int64
}

func (b *InstructionBuilder) InitializeListing(listing, seller solana.PublicKey, args InitializeListingArgs) (solana.Instruction, error) {
	return b.Build("initializeListing",
		[]any{args.ListingID, args.PricePerUnit, args.TotalUnits, args.AvailableUnits, args.MinPurchase, args.MaxPurchase, args.ExpiryTimestamp},
		map[string]solana.PublicKey{
			"listing": listing,
			"seller":  seller,
		})
}

func (b *InstructionBuilder) ProcessPurchase(buyer, listing, escrow, buyerHolding, sellerHolding solana.PublicKey, units uint64) (solana.Instruction, error) {
	return b.Build("processPurchase",
		[]any{units},
		map[string]solana.PublicKey{
			"buyer":              buyer,
			"listing":            listing,
			"transaction":        escrow,
			"buyerTokenAccount":  buyerHolding,
			"sellerTokenAccount": sellerHolding,
		})
}

func (b *InstructionBuilder) CompleteTransaction(seller, escrow, escrowWallet, sellerHolding solana.PublicKey, alternate bool) (solana.Instruction, error) {
	accounts := map[string]solana.PublicKey{
		"seller":             seller,
		"transaction":        escrow,
		"escrowWallet":       escrowWallet,
		"sellerTokenAccount": sellerHolding,
	}
	if alternate {
		return b.BuildAlternate("completeTransaction", nil, accounts)
	}
	return b.Build("completeTransaction", nil, accounts)
}

func (b *InstructionBuilder) CancelTransaction(buyer, escrow, escrowWallet, buyerHolding solana.PublicKey, alternate bool) (solana.Instruction, error) {
	accounts := map[string]solana.PublicKey{
		"buyer":             buyer,
		"transaction":       escrow,
		"escrowWallet":      escrowWallet,
		"buyerTokenAccount": buyerHolding,
	}
	if alternate {
		return b.BuildAlternate("cancelTransaction", nil, accounts)
	}
	return b.Build("cancelTransaction", nil, accounts)
}

// CreateHoldingAccount builds the standard associated-token-account create
// instruction: payer funds the account, owner receives it.
func CreateHoldingAccount(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ix, err := associatedtokenaccount.NewCreateInstruction(payer, owner, mint).ValidateAndBuild()
	if err != nil {
		return nil, wrapError(ErrEncodingFailed, err, "build holding account create instruction")
	}
	return ix, nil
}
