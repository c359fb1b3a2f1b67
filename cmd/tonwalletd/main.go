package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/xssnick/tonutils-go/address"
	"github.com/yeqown/go-qrcode/v2"
	"github.com/yeqown/go-qrcode/writer/terminal"
	"go.uber.org/zap"

	"github.com/machinae/tonwallet"
	"github.com/machinae/tonwallet/chain"
	"github.com/machinae/tonwallet/deeplink"
	"github.com/machinae/tonwallet/keystore"
	"github.com/machinae/tonwallet/tonconnect"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if len(os.Args) < 2 {
		fmt.Println("usage: tonwalletd <connect-link>")
		os.Exit(2)
	}
	link := os.Args[1]

	kind, err := deeplink.Parse(link)
	if err != nil {
		log.Fatal(err)
	}
	connect, ok := kind.(deeplink.Connect)
	if !ok {
		log.Fatalf("not a TonConnect link: %T", kind)
	}

	if os.Getenv("SHOW_QR") != "" {
		qr, err := qrcode.New(link)
		if err != nil {
			log.Fatal(err)
		}
		if err := qr.Save(terminal.New()); err != nil {
			log.Fatal(err)
		}
	}

	store := storeFromEnv()
	vault := tonconnect.NewVault(store, logger)
	bridge := tonconnect.NewBridge(bridgeURL(), tonconnect.WithLogger(logger))
	keys := keystore.New()
	send := chain.NewToncenter(
		os.Getenv("TONCENTER_URL"),
		chain.WithAPIKey(os.Getenv("TONCENTER_API_KEY")),
		chain.WithLogger(logger),
	)
	service := tonconnect.NewService(vault, bridge, keys, send, tonconnect.WithServiceLogger(logger))

	wallet, passcode, err := walletFromEnv(keys)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manifest, err := service.LoadConfiguration(ctx, connect.Params)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Connecting to %s (%s)\n", manifest.Name, manifest.URL)

	crypto, err := tonconnect.NewSessionCrypto()
	if err != nil {
		log.Fatal(err)
	}

	success, err := service.BuildConnectSuccess(ctx, wallet, passcode, connect.Params, manifest)
	if err != nil {
		log.Fatal(err)
	}

	body, err := service.Encrypt(success, connect.Params, crypto)
	if err != nil {
		log.Fatal(err)
	}

	if err := service.ConfirmConnectionRequest(ctx, body, crypto, connect.Params); err != nil {
		log.Fatal(err)
	}
	if err := service.StoreConnectedApp(ctx, wallet, crypto, connect.Params, manifest); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Connected. Listening for requests from %s\n", manifest.Name)

	requests := make(chan tonconnect.AppRequest)
	go func() {
		if err := service.Listen(ctx, []tonwallet.Wallet{wallet}, requests); err != nil {
			logger.Error("listener stopped", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-requests:
			fmt.Printf("Request %s: %s\n", req.ID, req.Method)
		}
	}
}

func storeFromEnv() tonconnect.Store {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return tonconnect.NewMemoryStore()
	}
	return tonconnect.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}))
}

func bridgeURL() string {
	if u := os.Getenv("BRIDGE_URL"); u != "" {
		return u
	}
	return tonconnect.DefaultBridgeURL
}

func walletFromEnv(keys *keystore.Keystore) (tonwallet.Wallet, string, error) {
	mnemonic := strings.Fields(os.Getenv("WALLET_MNEMONIC"))
	passcode := os.Getenv("WALLET_PASSCODE")
	rawAddr := os.Getenv("WALLET_ADDRESS")
	if len(mnemonic) == 0 || passcode == "" || rawAddr == "" {
		return tonwallet.Wallet{}, "", fmt.Errorf("WALLET_MNEMONIC, WALLET_PASSCODE and WALLET_ADDRESS are required")
	}

	addr, err := address.ParseAddr(rawAddr)
	if err != nil {
		return tonwallet.Wallet{}, "", fmt.Errorf("invalid WALLET_ADDRESS: %w", err)
	}

	public, _ := keystore.DeriveKeyPair(mnemonic)
	sealed, err := keystore.Seal(mnemonic, passcode)
	if err != nil {
		return tonwallet.Wallet{}, "", err
	}

	wallet := tonwallet.Wallet{
		ID:        "primary",
		Label:     "Primary wallet",
		Kind:      tonwallet.KindRegularV4R2,
		Network:   tonwallet.Mainnet,
		Address:   addr,
		PublicKey: public,
	}
	keys.Put(wallet.ID, sealed)

	return wallet, passcode, nil
}
