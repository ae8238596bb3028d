// Command streams-cli is an interactive tview front end over the channel
// engine: create or join a channel, subscribe, publish, and watch
// incoming messages scroll by.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"streams/internal/channel"
	"streams/internal/identity"
	"streams/internal/identity/diddoc"
	"streams/internal/log"
	"streams/internal/model"
	"streams/internal/transport/tangle"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	serverURL := flag.String("server", "http://localhost:9090", "streams-server base URL")
	topic := flag.String("topic", "root", "branch to publish to and watch")
	channelFlag := flag.String("channel", "", "existing channel's announce address (channel-id:msg-id); creates a new channel if empty")
	acceptFlag := flag.String("accept", "", "author-only: accept the Subscribe at this address, then exit")
	did := flag.String("did", "", "publish this identity's DID document under this DID, so peers can resolve it")
	mongoURI := flag.String("mongo", "mongodb://localhost:27017", "mongo URI backing -did publication")
	flag.Parse()

	id, err := identity.NewEd25519Identity()
	if err != nil {
		log.Fatal("streams-cli: generate identity", zap.Error(err))
	}
	transport := tangle.NewClient(*serverURL)
	user := channel.NewUser(id, transport)
	ctx := context.Background()

	if *did != "" {
		if err := publishDIDDocument(ctx, *mongoURI, *did, id); err != nil {
			log.Fatal("streams-cli: publish DID document", zap.Error(err))
		}
		log.Info("streams-cli: published DID document", zap.String("did", *did))
	}

	if *acceptFlag != "" {
		runAccept(ctx, user, *channelFlag, *acceptFlag)
		return
	}

	if *channelFlag == "" {
		chanAddr, err := user.CreateChannel(ctx, uint32(time.Now().UnixNano()&0x7fffffff), *topic)
		if err != nil {
			log.Fatal("streams-cli: create channel", zap.Error(err))
		}
		fmt.Printf("created channel, share this address for others to connect:\n%s\n\n",
			chanAddr.Announce.String())
	} else {
		addr, err := model.ParseAddress(*channelFlag)
		if err != nil {
			log.Fatal("streams-cli: bad channel address", zap.Error(err))
		}
		if err := user.Connect(ctx, channel.ChannelAddress{ChannelID: addr.ChannelID, Announce: addr}); err != nil {
			log.Fatal("streams-cli: connect", zap.Error(err))
		}
		subAddr, err := user.Subscribe(ctx)
		if err != nil {
			log.Fatal("streams-cli: subscribe", zap.Error(err))
		}
		fmt.Printf("subscribe request sent, ask the author to accept:\n%s\n\n", subAddr.String())
	}

	runUI(ctx, user, *topic)
}

// publishDIDDocument upserts id's public key material into a mongo-backed
// DID registry so peers resolving did over identity/diddoc can find it.
func publishDIDDocument(ctx context.Context, mongoURI, did string, id *identity.Ed25519Identity) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer client.Disconnect(ctx)

	pub := id.PublicIdentifier()
	store := diddoc.NewStore(client.Database("streams"))
	return store.Publish(ctx, diddoc.Document{
		DID:       did,
		PublicKey: pub.Identifier.Bytes,
		X25519Pub: pub.X25519Pub[:],
	})
}

// runAccept lets the channel's author accept a pending Subscribe without
// bringing up the interactive UI.
func runAccept(ctx context.Context, user *channel.User, channelAddr, subscribeAddr string) {
	addr, err := model.ParseAddress(channelAddr)
	if err != nil {
		log.Fatal("streams-cli: bad channel address", zap.Error(err))
	}
	if err := user.Connect(ctx, channel.ChannelAddress{ChannelID: addr.ChannelID, Announce: addr}); err != nil {
		log.Fatal("streams-cli: connect", zap.Error(err))
	}
	subAddr, err := model.ParseAddress(subscribeAddr)
	if err != nil {
		log.Fatal("streams-cli: bad subscribe address", zap.Error(err))
	}
	subscriber, err := user.AcceptSubscription(ctx, subAddr)
	if err != nil {
		log.Fatal("streams-cli: accept subscription", zap.Error(err))
	}
	fmt.Printf("accepted %s\n", subscriber.String())
}

// runUI drives the chat window: a scrolling message view plus an input
// field, with a background poller feeding new messages into the view.
func runUI(ctx context.Context, user *channel.User, topic string) {
	app := tview.NewApplication()

	chatbox := tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", topic))

	input := tview.NewInputField().SetLabel("message: ").SetFieldWidth(0)
	input.SetBorder(true).SetTitle(" send ")
	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := input.GetText()
		if text == "" {
			return
		}
		input.SetText("")
		go func() {
			if _, err := user.Message().Topic(topic).Public([]byte(text)).Send(ctx); err != nil {
				app.QueueUpdateDraw(func() {
					fmt.Fprintf(chatbox, "[red]send failed: %v[-]\n", err)
				})
			}
		}()
	})

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(chatbox, 0, 1, false).
		AddItem(input, 3, 0, true)

	go pollMessages(ctx, app, user, chatbox)

	if err := app.SetRoot(layout, true).SetFocus(input).Run(); err != nil {
		log.Fatal("streams-cli: run app", zap.Error(err))
	}
}

func pollMessages(ctx context.Context, app *tview.Application, user *channel.User, chatbox *tview.TextView) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		msgs, err := user.FetchNextMsgs(ctx, 32)
		if err != nil {
			log.Debug("streams-cli: sync error", zap.Error(err))
		}
		for _, msg := range msgs {
			line := formatMessage(msg)
			app.QueueUpdateDraw(func() {
				fmt.Fprintln(chatbox, line)
			})
		}
	}
}

func formatMessage(msg *channel.FetchedMessage) string {
	if len(msg.PublicPayload) > 0 {
		return fmt.Sprintf("[green]%s[-]: %s", msg.Publisher.String(), msg.PublicPayload)
	}
	return fmt.Sprintf("[green]%s[-]: <masked, %d bytes>", msg.Publisher.String(), len(msg.MaskedPayload))
}
